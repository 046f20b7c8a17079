package certs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

// Issuer turns entitlements into signed certificates plus serial-ledger
// entries, and reverses that on revoke.
type Issuer struct {
	store storage.Store
	ca    Authority
	log   *logrus.Logger

	// Now is stubbed in tests.
	Now func() time.Time
}

// NewIssuer constructs an Issuer. A nil logger falls back to the standard
// logger.
func NewIssuer(store storage.Store, ca Authority, log *logrus.Logger) *Issuer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Issuer{store: store, ca: ca, log: log, Now: time.Now}
}

// Issue allocates a serial, signs a certificate for the entitlement, and
// persists both. On any failure the serial allocation rolls back with the
// rest, so no orphan ledger rows survive a failed issuance.
func (i *Issuer) Issue(ctx context.Context, ent *entitlements.Entitlement, pool *entitlements.Pool) (*entitlements.EntitlementCertificate, error) {
	var cert *entitlements.EntitlementCertificate
	err := i.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		cert, err = i.issueInTx(ctx, tx, ent, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	i.log.WithFields(logrus.Fields{
		"entitlement": ent.ID,
		"serial":      cert.Serial,
	}).Debug("issued entitlement certificate")
	return cert, nil
}

func (i *Issuer) issueInTx(ctx context.Context, tx storage.Tx, ent *entitlements.Entitlement, pool *entitlements.Pool) (*entitlements.EntitlementCertificate, error) {
	expiration := ent.EffectiveEndDate(pool)
	if ceiling := i.Now().Add(i.ca.MaxValidity()); ceiling.Before(expiration) {
		expiration = ceiling
	}

	serial, err := tx.AllocateSerial(ctx, expiration)
	if err != nil {
		return nil, fmt.Errorf("allocate serial: %w", err)
	}

	certPEM, keyPEM, err := i.ca.Sign(ctx, Request{
		Serial:             serial,
		ConsumerID:         ent.ConsumerID,
		OwnerID:            ent.OwnerID,
		ProductID:          pool.ProductID,
		ProvidedProductIDs: pool.ProvidedProductIDs,
		NotBefore:          i.Now(),
		NotAfter:           expiration,
	})
	if err != nil {
		return nil, fmt.Errorf("sign certificate for entitlement %s: %w", ent.ID, err)
	}

	cert := &entitlements.EntitlementCertificate{
		ID:            uuid.New(),
		EntitlementID: ent.ID,
		Serial:        serial,
		Key:           keyPEM,
		Cert:          certPEM,
		CreatedAt:     i.Now(),
	}
	if err := tx.CreateCertificate(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// RevokeForEntitlement marks the entitlement's certificate serial revoked and
// deletes the certificate row. The serial row is retained so the CRL can
// list it. Entitlements without a certificate (issuance failed, still dirty)
// are not an error.
func RevokeForEntitlement(ctx context.Context, tx storage.Tx, entitlementID uuid.UUID) (serial int64, revoked bool, err error) {
	cert, err := tx.CertificateForEntitlement(ctx, entitlementID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.RevokeSerial(ctx, cert.Serial); err != nil {
		return 0, false, err
	}
	if err := tx.DeleteCertificate(ctx, cert.ID); err != nil {
		return 0, false, err
	}
	return cert.Serial, true, nil
}

// Regenerate re-issues the certificate for one entitlement and clears its
// dirty flag. Any previous certificate is revoked first.
func (i *Issuer) Regenerate(ctx context.Context, entitlementID uuid.UUID) error {
	return i.store.WithTx(ctx, func(tx storage.Tx) error {
		ent, err := tx.GetEntitlement(ctx, entitlementID)
		if err != nil {
			return err
		}
		pool, err := tx.GetPool(ctx, ent.PoolID)
		if err != nil {
			return err
		}
		if _, _, err := RevokeForEntitlement(ctx, tx, ent.ID); err != nil {
			return err
		}
		if _, err := i.issueInTx(ctx, tx, ent, pool); err != nil {
			return err
		}
		return tx.SetEntitlementDirty(ctx, ent.ID, false)
	})
}

// RegenerateDirty re-issues certificates for up to limit dirty entitlements,
// returning how many were regenerated. Each entitlement is its own
// transaction so one bad entitlement cannot wedge the pass.
func (i *Issuer) RegenerateDirty(ctx context.Context, limit int) (int, error) {
	var dirty []*entitlements.Entitlement
	err := i.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		dirty, err = tx.DirtyEntitlements(ctx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	done := 0
	var firstErr error
	for _, ent := range dirty {
		if err := i.Regenerate(ctx, ent.ID); err != nil {
			i.log.WithError(err).WithField("entitlement", ent.ID).Warn("certificate regeneration failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
	}
	return done, firstErr
}

// PurgeExpired deletes serial rows whose expiration has passed. Revoked
// serials are only purged once collected, so a pending CRL harvest is never
// lost to cleanup.
func (i *Issuer) PurgeExpired(ctx context.Context) (int, error) {
	purged := 0
	err := i.store.WithTx(ctx, func(tx storage.Tx) error {
		expired, err := tx.ExpiredSerials(ctx, i.Now())
		if err != nil {
			return err
		}
		var ids []int64
		for _, s := range expired {
			if s.Revoked && !s.Collected {
				continue
			}
			ids = append(ids, s.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		purged = len(ids)
		return tx.DeleteSerials(ctx, ids)
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		i.log.WithField("count", purged).Info("purged expired certificate serials")
	}
	return purged, nil
}
