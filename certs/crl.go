package certs

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/storage"
)

// Generator maintains the published CRL: it harvests newly revoked serials
// from the ledger exactly once, merges them into the previous artifact,
// prunes entries whose certificates have expired, and re-signs.
type Generator struct {
	store storage.Store
	ca    Authority
	log   *logrus.Logger

	// Now is stubbed in tests.
	Now func() time.Time
}

// NewGenerator constructs a Generator. A nil logger falls back to the
// standard logger.
func NewGenerator(store storage.Store, ca Authority, log *logrus.Logger) *Generator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Generator{store: store, ca: ca, log: log, Now: time.Now}
}

// CrlNumber returns the CRL number embedded in a DER CRL. A nil artifact
// (no CRL published yet) reports 0: the sequence starts there, and every
// subsequent regeneration embeds the predecessor's number plus one.
func CrlNumber(der []byte) (int64, error) {
	if len(der) == 0 {
		return 0, nil
	}
	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return 0, fmt.Errorf("parse previous crl: %w", err)
	}
	if rl.Number == nil {
		return 0, nil
	}
	return rl.Number.Int64(), nil
}

// Regenerate loads the latest published CRL, merges pending revocations into
// it, and stores the new artifact. See RegenerateFrom.
func (g *Generator) Regenerate(ctx context.Context) ([]byte, error) {
	var prev []byte
	err := g.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		prev, err = tx.LatestCRL(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			prev = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return g.RegenerateFrom(ctx, prev)
}

// RegenerateFrom produces the successor of the given CRL (nil for the first
// one). The harvest (collected flags), expired-serial deletion, signing, and
// artifact store all happen in one transaction: if signing fails nothing is
// marked collected, so a retry re-harvests the same serials and no entry is
// lost or duplicated.
func (g *Generator) RegenerateFrom(ctx context.Context, prev []byte) ([]byte, error) {
	number, err := CrlNumber(prev)
	if err != nil {
		return nil, err
	}
	if len(prev) > 0 {
		number++
	}

	var carried []x509.RevocationListEntry
	if len(prev) > 0 {
		rl, err := x509.ParseRevocationList(prev)
		if err != nil {
			return nil, fmt.Errorf("parse previous crl: %w", err)
		}
		carried = rl.RevokedCertificateEntries
	}

	var out []byte
	err = g.store.WithTx(ctx, func(tx storage.Tx) error {
		harvest, err := tx.RevokedUncollectedSerials(ctx)
		if err != nil {
			return err
		}
		if len(harvest) > 0 {
			ids := make([]int64, len(harvest))
			for i, s := range harvest {
				ids[i] = s.ID
			}
			if err := tx.MarkSerialsCollected(ctx, ids); err != nil {
				return err
			}
		}

		expired, err := tx.ExpiredSerials(ctx, g.Now())
		if err != nil {
			return err
		}
		expiredSet := make(map[int64]bool, len(expired))
		expiredIDs := make([]int64, 0, len(expired))
		for _, s := range expired {
			expiredSet[s.ID] = true
			expiredIDs = append(expiredIDs, s.ID)
		}

		// Merge: previous entries plus the harvest, dropping anything whose
		// certificate has expired. Deduplicate by serial in case an already
		// collected serial somehow reappears.
		seen := make(map[int64]bool, len(carried)+len(harvest))
		entries := make([]x509.RevocationListEntry, 0, len(carried)+len(harvest))
		for _, e := range carried {
			id := e.SerialNumber.Int64()
			if expiredSet[id] || seen[id] {
				continue
			}
			seen[id] = true
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   e.SerialNumber,
				RevocationTime: e.RevocationTime,
			})
		}
		now := g.Now().UTC()
		for _, s := range harvest {
			if expiredSet[s.ID] || seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   big.NewInt(s.ID),
				RevocationTime: now,
			})
		}

		if len(expiredIDs) > 0 {
			if err := tx.DeleteSerials(ctx, expiredIDs); err != nil {
				return err
			}
		}

		out, err = g.ca.SignCRL(ctx, entries, number)
		if err != nil {
			return fmt.Errorf("sign crl %d: %w", number, err)
		}
		return tx.StoreCRL(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"crl_number": number,
	}).Info("regenerated crl")
	return out, nil
}
