// Package certs covers trust issuance: the certificate-authority capability,
// the entitlement certificate issuer, the serial ledger operations, and CRL
// generation.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request describes one certificate to sign.
type Request struct {
	Serial     int64
	ConsumerID uuid.UUID
	OwnerID    uuid.UUID
	ProductID  string
	// ProvidedProductIDs are embedded so downstream clients can prove
	// entitlement to the whole provided set.
	ProvidedProductIDs []string
	NotBefore          time.Time
	NotAfter           time.Time
}

// Authority signs certificates and CRLs. Production deployments back this
// with the organization's CA service; LocalAuthority is a minimal in-process
// implementation for development and tests.
type Authority interface {
	// Certificate returns the CA certificate for issuer-field population
	// and chain distribution.
	Certificate() *x509.Certificate

	// MaxValidity bounds how far in the future an issued certificate may
	// expire, regardless of the entitlement's end date.
	MaxValidity() time.Duration

	// Sign issues a certificate for the request, returning the PEM-encoded
	// certificate and its private key.
	Sign(ctx context.Context, req Request) (cert []byte, key []byte, err error)

	// SignCRL signs the given revocation entries and CRL number into a DER
	// X.509 CRL.
	SignCRL(ctx context.Context, entries []x509.RevocationListEntry, number int64) ([]byte, error)
}

// oidEntitlementProducts carries the product set inside issued certificates.
var oidEntitlementProducts = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 1}

// LocalAuthority is an in-memory RSA CA. Keys live only in process memory;
// production should load signing material from a KMS-backed Authority
// implementation instead.
type LocalAuthority struct {
	key         *rsa.PrivateKey
	cert        *x509.Certificate
	maxValidity time.Duration
	crlValidity time.Duration
}

// NewLocalAuthority generates a key pair and self-signed CA certificate.
// maxValidity bounds issued certificates and defaults to one year.
func NewLocalAuthority(commonName string, maxValidity time.Duration) (*LocalAuthority, error) {
	if commonName == "" {
		commonName = "entkit dev ca"
	}
	if maxValidity <= 0 {
		maxValidity = 365 * 24 * time.Hour
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &LocalAuthority{
		key:         key,
		cert:        cert,
		maxValidity: maxValidity,
		crlValidity: 7 * 24 * time.Hour,
	}, nil
}

func (a *LocalAuthority) Certificate() *x509.Certificate { return a.cert }

func (a *LocalAuthority) MaxValidity() time.Duration { return a.maxValidity }

func (a *LocalAuthority) Sign(_ context.Context, req Request) ([]byte, []byte, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}

	products := append([]string{req.ProductID}, req.ProvidedProductIDs...)
	ext, err := asn1.Marshal(strings.Join(products, ","))
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(req.Serial),
		Subject: pkix.Name{
			CommonName:   req.ConsumerID.String(),
			Organization: []string{req.OwnerID.String()},
		},
		NotBefore:   req.NotBefore,
		NotAfter:    req.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: oidEntitlementProducts, Value: ext},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &leafKey.PublicKey, a.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(leafKey),
	})
	return certPEM, keyPEM, nil
}

func (a *LocalAuthority) SignCRL(_ context.Context, entries []x509.RevocationListEntry, number int64) ([]byte, error) {
	now := time.Now().UTC()
	tmpl := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(a.crlValidity),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, a.cert, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign crl: %w", err)
	}
	return der, nil
}
