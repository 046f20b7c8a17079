package allocator

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/events"
	"github.com/open-rails/entkit/storage"
)

// Revoke deletes the given entitlements, returning their certificates'
// serials to the revocation ledger and releasing pool capacity. Bonus pools
// spawned by a revoked entitlement are deleted too, cascade-revoking
// anything granted from them. Unknown ids are skipped: revocation is how bad
// state gets corrected, so it never fails on already-gone rows, and enforcer
// refusals are advisory only.
//
// Everything happens in one transaction; the returned count is how many
// entitlements were deleted, cascades included.
func (a *Allocator) Revoke(ctx context.Context, entitlementIDs []uuid.UUID) (int, error) {
	revoked := 0
	var evs []events.Event
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		revoked, evs, err = a.revokeSet(ctx, tx, entitlementIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	a.publish(ctx, evs)
	return revoked, nil
}

// revokeSet deletes the entitlements and their cascade closure inside the
// caller's transaction. It is the single revocation path: deletePoolCascade
// routes through it too, so a pool deleted for any reason tears down bonus
// pools spawned by its entitlements and recomputes affected stacks the same
// way an explicit revoke would.
func (a *Allocator) revokeSet(ctx context.Context, tx storage.Tx, entitlementIDs []uuid.UUID) (int, []events.Event, error) {
	// Discover the cascade closure first: the requested entitlements,
	// pools they spawned, entitlements on those pools, transitively.
	// Locks are taken once the full pool set is known.
	targets := make(map[uuid.UUID]*entitlements.Entitlement)
	bonus := make(map[uuid.UUID]*entitlements.Pool)
	var order []uuid.UUID
	queue := append([]uuid.UUID(nil), entitlementIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := targets[id]; ok {
			continue
		}
		ent, err := tx.GetEntitlement(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		targets[id] = ent
		order = append(order, id)

		spawned, err := tx.PoolsBySourceEntitlement(ctx, []uuid.UUID{id})
		if err != nil {
			return 0, nil, err
		}
		for _, p := range spawned {
			if _, ok := bonus[p.ID]; ok {
				continue
			}
			bonus[p.ID] = p
			dependents, err := tx.EntitlementsForPool(ctx, p.ID)
			if err != nil {
				return 0, nil, err
			}
			for _, dep := range dependents {
				queue = append(queue, dep.ID)
			}
		}
	}
	if len(targets) == 0 {
		return 0, nil, nil
	}

	poolSet := make(map[uuid.UUID]bool)
	for _, ent := range targets {
		poolSet[ent.PoolID] = true
	}
	for id := range bonus {
		poolSet[id] = true
	}
	poolIDs := make([]uuid.UUID, 0, len(poolSet))
	for id := range poolSet {
		poolIDs = append(poolIDs, id)
	}
	entitlements.SortPoolIDs(poolIDs)
	locked, err := tx.LockPools(ctx, poolIDs)
	if err != nil {
		return 0, nil, err
	}
	poolByID := make(map[uuid.UUID]*entitlements.Pool, len(locked))
	for _, p := range locked {
		poolByID[p.ID] = p
	}

	revoked := 0
	var evs []events.Event
	stacks := make(map[stackKey]bool)
	for _, id := range order {
		ent := targets[id]
		pool := poolByID[ent.PoolID]
		if pool == nil {
			return 0, nil, storage.ErrNotFound
		}

		consumer, err := tx.GetConsumer(ctx, ent.ConsumerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, nil, err
		}
		if consumer != nil {
			res := a.enforcer.PreUnbind(ctx, consumer, pool)
			for _, msg := range append(res.Errors, res.Warnings...) {
				a.log.WithFields(logrus.Fields{
					"entitlement": ent.ID, "pool": pool.ID, "advisory": msg,
				}).Info("pre-unbind advisory")
			}
		}

		if _, _, err := certs.RevokeForEntitlement(ctx, tx, ent.ID); err != nil {
			return 0, nil, err
		}

		pool.Consumed -= ent.Quantity
		if pool.Consumed < 0 {
			pool.Consumed = 0
		}
		pool.UpdatedAt = a.Now()
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return 0, nil, err
		}
		if err := tx.DeleteEntitlement(ctx, ent.ID); err != nil {
			return 0, nil, err
		}
		revoked++
		evs = append(evs, events.Event{
			Type: events.EntitlementDeleted, EntityID: ent.ID, OwnerID: ent.OwnerID,
			ConsumerID: ent.ConsumerID, Timestamp: a.Now(),
		})

		if sid := pool.StackingID(); sid != "" && pool.SourceConsumerID == nil {
			stacks[stackKey{ent.ConsumerID, sid}] = true
		}
	}

	bonusIDs := make([]uuid.UUID, 0, len(bonus))
	for id := range bonus {
		bonusIDs = append(bonusIDs, id)
	}
	entitlements.SortPoolIDs(bonusIDs)
	for _, id := range bonusIDs {
		poolEvs, err := a.deletePoolCascade(ctx, tx, bonus[id])
		if err != nil {
			return 0, nil, err
		}
		evs = append(evs, poolEvs...)
	}

	for key := range stacks {
		stackEvs, err := a.recomputeStack(ctx, tx, key)
		if err != nil {
			return 0, nil, err
		}
		evs = append(evs, stackEvs...)
	}
	return revoked, evs, nil
}

// RevokeAllForConsumer revokes every entitlement held by the consumer, in
// chunks of DefaultChunkSize.
func (a *Allocator) RevokeAllForConsumer(ctx context.Context, consumerID uuid.UUID) (int, error) {
	var ids []uuid.UUID
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		ents, err := tx.EntitlementsForConsumer(ctx, consumerID)
		if err != nil {
			return err
		}
		ids = make([]uuid.UUID, len(ents))
		for i, ent := range ents {
			ids[i] = ent.ID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return a.RevokeBatch(ctx, ids, DefaultChunkSize)
}

// RevokeBatch revokes entitlements in bounded chunks, each its own
// transaction. A failed chunk is skipped and the sweep continues; the
// returned BatchError names exactly which ids were left unprocessed so the
// caller can resume.
func (a *Allocator) RevokeBatch(ctx context.Context, entitlementIDs []uuid.UUID, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := 0
	var batchErr BatchError
	for start := 0; start < len(entitlementIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(entitlementIDs) {
			end = len(entitlementIDs)
		}
		chunk := entitlementIDs[start:end]
		n, err := a.Revoke(ctx, chunk)
		if err != nil {
			a.log.WithError(err).WithField("chunk_size", len(chunk)).Warn("revoke chunk failed")
			batchErr.Errs = append(batchErr.Errs, err)
			batchErr.Unprocessed = append(batchErr.Unprocessed, chunk...)
			continue
		}
		total += n
	}
	if len(batchErr.Errs) > 0 {
		batchErr.Revoked = total
		sort.Slice(batchErr.Unprocessed, func(i, j int) bool {
			return batchErr.Unprocessed[i].String() < batchErr.Unprocessed[j].String()
		})
		return total, &batchErr
	}
	return total, nil
}
