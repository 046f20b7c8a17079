package certs_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
	memorystore "github.com/open-rails/entkit/storage/memory"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testEntAndPool(window time.Duration) (*entitlements.Entitlement, *entitlements.Pool) {
	now := time.Now()
	pool := &entitlements.Pool{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		ProductID: "prod-basic",
		Quantity:  5,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(window),
	}
	ent := &entitlements.Entitlement{
		ID:         uuid.New(),
		PoolID:     pool.ID,
		ConsumerID: uuid.New(),
		OwnerID:    pool.OwnerID,
		Quantity:   1,
	}
	return ent, pool
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestIssueExpirationCappedByAuthority(t *testing.T) {
	ca, err := certs.NewLocalAuthority("test ca", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	store := memorystore.New()
	issuer := certs.NewIssuer(store, ca, quietLogger())

	ent, pool := testEntAndPool(90 * 24 * time.Hour)
	cert, err := issuer.Issue(context.Background(), ent, pool)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parsed := parseCert(t, cert.Cert)
	ceiling := time.Now().Add(time.Hour)
	if parsed.NotAfter.After(ceiling.Add(time.Minute)) {
		t.Errorf("NotAfter = %v, exceeds authority max validity", parsed.NotAfter)
	}
	if parsed.SerialNumber.Int64() != cert.Serial {
		t.Errorf("embedded serial = %v, ledger serial = %d", parsed.SerialNumber, cert.Serial)
	}
}

func TestIssueUsesEntitlementEndWhenShorter(t *testing.T) {
	ca, err := certs.NewLocalAuthority("test ca", 365*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	store := memorystore.New()
	issuer := certs.NewIssuer(store, ca, quietLogger())

	ent, pool := testEntAndPool(24 * time.Hour)
	cert, err := issuer.Issue(context.Background(), ent, pool)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parsed := parseCert(t, cert.Cert)
	if !parsed.NotAfter.Truncate(time.Second).Equal(pool.EndDate.UTC().Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want pool end %v", parsed.NotAfter, pool.EndDate.UTC())
	}

	// The ledger row carries the same expiration.
	err = store.WithTx(context.Background(), func(tx storage.Tx) error {
		s, err := tx.GetSerial(context.Background(), cert.Serial)
		if err != nil {
			return err
		}
		if s.Revoked || s.Collected {
			t.Errorf("fresh serial flags: revoked=%v collected=%v", s.Revoked, s.Collected)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRevokeForEntitlementKeepsSerial(t *testing.T) {
	ca, err := certs.NewLocalAuthority("test ca", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := memorystore.New()
	issuer := certs.NewIssuer(store, ca, quietLogger())

	ent, pool := testEntAndPool(24 * time.Hour)
	cert, err := issuer.Issue(ctx, ent, pool)
	if err != nil {
		t.Fatal(err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		serial, revoked, err := certs.RevokeForEntitlement(ctx, tx, ent.ID)
		if err != nil {
			return err
		}
		if !revoked || serial != cert.Serial {
			t.Errorf("revoked=%v serial=%d, want true/%d", revoked, serial, cert.Serial)
		}

		s, err := tx.GetSerial(ctx, cert.Serial)
		if err != nil {
			return err
		}
		if !s.Revoked {
			t.Error("serial row not marked revoked")
		}
		if _, err := tx.CertificateForEntitlement(ctx, ent.ID); err != storage.ErrNotFound {
			t.Errorf("certificate row err = %v, want not found", err)
		}

		// Second revoke is a no-op, not an error.
		_, revoked, err = certs.RevokeForEntitlement(ctx, tx, ent.ID)
		if err != nil || revoked {
			t.Errorf("second revoke: revoked=%v err=%v", revoked, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRegenerateReplacesCertificateAndClearsDirty(t *testing.T) {
	ca, err := certs.NewLocalAuthority("test ca", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := memorystore.New()
	issuer := certs.NewIssuer(store, ca, quietLogger())

	ent, pool := testEntAndPool(24 * time.Hour)
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreatePool(ctx, pool); err != nil {
			return err
		}
		return tx.CreateEntitlement(ctx, ent)
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := issuer.Issue(ctx, ent, pool)
	if err != nil {
		t.Fatal(err)
	}
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetEntitlementDirty(ctx, ent.ID, true)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := issuer.Regenerate(ctx, ent.ID); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		got, err := tx.GetEntitlement(ctx, ent.ID)
		if err != nil {
			return err
		}
		if got.Dirty {
			t.Error("dirty flag not cleared")
		}

		cert, err := tx.CertificateForEntitlement(ctx, ent.ID)
		if err != nil {
			return err
		}
		if cert.Serial == first.Serial {
			t.Error("regeneration reused the old serial")
		}

		old, err := tx.GetSerial(ctx, first.Serial)
		if err != nil {
			return err
		}
		if !old.Revoked {
			t.Error("old serial not revoked")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPurgeExpiredSparesUncollectedRevocations(t *testing.T) {
	ca, err := certs.NewLocalAuthority("test ca", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := memorystore.New()
	issuer := certs.NewIssuer(store, ca, quietLogger())

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	var expiredClean, expiredPending, live int64
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if expiredClean, err = tx.AllocateSerial(ctx, past); err != nil {
			return err
		}
		if expiredPending, err = tx.AllocateSerial(ctx, past); err != nil {
			return err
		}
		if err := tx.RevokeSerial(ctx, expiredPending); err != nil {
			return err
		}
		live, err = tx.AllocateSerial(ctx, future)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := issuer.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetSerial(ctx, expiredClean); err != storage.ErrNotFound {
			t.Errorf("expired clean serial err = %v, want not found", err)
		}
		if _, err := tx.GetSerial(ctx, expiredPending); err != nil {
			t.Errorf("revoked-uncollected serial must survive purge: %v", err)
		}
		if _, err := tx.GetSerial(ctx, live); err != nil {
			t.Errorf("live serial must survive purge: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
