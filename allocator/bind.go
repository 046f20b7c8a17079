package allocator

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/events"
	"github.com/open-rails/entkit/storage"
)

// Bind grants the consumer entitlements against the requested pools, one
// entitlement per pool with the requested quantity. The whole request is
// all-or-nothing: any enforcer refusal or capacity shortfall rolls the
// entire reservation back.
//
// Capacity is reserved in a single transaction holding exclusive locks on
// every target pool, acquired in ascending-id order. Certificate issuance is
// CPU-bound and runs after that transaction commits; an issuance failure
// marks the entitlement dirty for a later regeneration pass rather than
// undoing the reservation.
func (a *Allocator) Bind(ctx context.Context, consumerID uuid.UUID, requests map[uuid.UUID]int64) ([]*entitlements.Entitlement, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	// Entitlement quantity is a data-model invariant, enforced here rather
	// than left to the pluggable policy: a permissive enforcer must not let
	// a non-positive quantity drive consumed negative.
	invalid := make(map[uuid.UUID][]string)
	for id, q := range requests {
		if q < 1 {
			invalid[id] = append(invalid[id], "rulefailed.invalid.quantity")
		}
	}
	if len(invalid) > 0 {
		return nil, &RefusalError{PerPool: invalid}
	}
	ids := make([]uuid.UUID, 0, len(requests))
	for id := range requests {
		ids = append(ids, id)
	}
	entitlements.SortPoolIDs(ids)

	var (
		created []*entitlements.Entitlement
		pools   = make(map[uuid.UUID]*entitlements.Pool, len(requests))
		evs     []events.Event
	)
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		consumer, err := tx.GetConsumer(ctx, consumerID)
		if err != nil {
			return err
		}
		locked, err := tx.LockPools(ctx, ids)
		if err != nil {
			return err
		}

		refusals := make(map[uuid.UUID][]string)
		for _, pool := range locked {
			res := a.enforcer.PreEntitlement(ctx, consumer, pool, requests[pool.ID])
			for _, w := range res.Warnings {
				a.log.WithFields(logrus.Fields{
					"pool": pool.ID, "consumer": consumerID, "warning": w,
				}).Info("pre-entitlement warning")
			}
			if !res.OK() {
				refusals[pool.ID] = res.Errors
			}
		}
		if len(refusals) > 0 {
			return &RefusalError{PerPool: refusals}
		}

		for _, pool := range locked {
			q := requests[pool.ID]
			if !pool.Available(q) {
				return &UnavailableError{PoolID: pool.ID, Requested: q, Available: pool.Free()}
			}
		}

		stacks := make(map[stackKey]bool)
		for _, pool := range locked {
			q := requests[pool.ID]
			pool.Consumed += q
			pool.UpdatedAt = a.Now()
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return err
			}

			ent := &entitlements.Entitlement{
				ID:         uuid.New(),
				PoolID:     pool.ID,
				ConsumerID: consumerID,
				OwnerID:    pool.OwnerID,
				Quantity:   q,
				CreatedAt:  a.Now(),
				UpdatedAt:  a.Now(),
			}
			ent.ClampWindow(pool)
			if err := tx.CreateEntitlement(ctx, ent); err != nil {
				return err
			}
			created = append(created, ent)
			pools[pool.ID] = pool
			evs = append(evs, events.Event{
				Type: events.EntitlementCreated, EntityID: ent.ID, OwnerID: ent.OwnerID,
				ConsumerID: consumerID, Timestamp: a.Now(),
			})

			if sid := pool.StackingID(); sid != "" && pool.SourceConsumerID == nil {
				stacks[stackKey{consumerID, sid}] = true
			}
		}

		for key := range stacks {
			stackEvs, err := a.recomputeStack(ctx, tx, key)
			if err != nil {
				return err
			}
			evs = append(evs, stackEvs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Issuance runs outside the pool locks. A failure here must never undo
	// the committed reservation.
	for _, ent := range created {
		if _, err := a.issuer.Issue(ctx, ent, pools[ent.PoolID]); err != nil {
			a.log.WithError(err).WithField("entitlement", ent.ID).Warn("certificate issuance failed, marking dirty")
			ent.Dirty = true
			dirtyErr := a.store.WithTx(ctx, func(tx storage.Tx) error {
				return tx.SetEntitlementDirty(ctx, ent.ID, true)
			})
			if dirtyErr != nil {
				a.log.WithError(dirtyErr).WithField("entitlement", ent.ID).Error("failed to mark entitlement dirty")
			}
		}
	}

	a.publish(ctx, evs)
	return created, nil
}
