package entitler

import (
	"context"

	"github.com/google/uuid"

	"github.com/open-rails/entkit/storage"
)

// SweepUnmappedGuestEntitlements revokes entitlements on unmapped-guest
// pools whose effective end date fell behind the grace window. Revocation
// happens in batches of SweepBatchSize, each its own transaction, so a sweep
// never holds one giant lock; a failed batch stops this sweep run and the
// next run retries it.
func (e *Entitler) SweepUnmappedGuestEntitlements(ctx context.Context) (int, error) {
	cutoff := e.Now().Add(-e.SweepGrace)
	total := 0
	for {
		var ids []uuid.UUID
		err := e.store.WithTx(ctx, func(tx storage.Tx) error {
			ents, err := tx.UnmappedGuestEntitlements(ctx, cutoff, e.SweepBatchSize)
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, ent := range ents {
				ids = append(ids, ent.ID)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		n, err := e.allocator.Revoke(ctx, ids)
		total += n
		if err != nil {
			e.log.WithError(err).WithField("batch", len(ids)).Warn("unmapped guest sweep batch failed")
			return total, err
		}
		e.log.WithField("revoked", n).Debug("unmapped guest sweep batch complete")
	}
}
