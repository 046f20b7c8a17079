package allocator

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/events"
	"github.com/open-rails/entkit/storage"
)

// ApplyPoolChanges applies a refresh diff. Each create, update, and delete
// runs in its own bounded transaction; the first failure aborts the rest,
// since later changes can depend on earlier ones (re-running the refresh is
// the recovery path, the diff computation being idempotent).
//
// Updates that change a pool's products or dates mark the pool's
// entitlements dirty so their certificates get regenerated. Deletes cascade:
// entitlements on a deleted pool are revoked.
func (a *Allocator) ApplyPoolChanges(ctx context.Context, changes entitlements.PoolChanges) error {
	var evs []events.Event

	for _, pool := range changes.Create {
		pool := pool
		err := a.store.WithTx(ctx, func(tx storage.Tx) error {
			if pool.ID == uuid.Nil {
				pool.ID = uuid.New()
			}
			pool.CreatedAt = a.Now()
			pool.UpdatedAt = pool.CreatedAt
			return tx.CreatePool(ctx, pool)
		})
		if err != nil {
			return err
		}
		evs = append(evs, events.Event{
			Type: events.PoolCreated, EntityID: pool.ID, OwnerID: pool.OwnerID, Timestamp: a.Now(),
		})
	}

	for _, upd := range changes.Update {
		upd := upd
		err := a.store.WithTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.LockPools(ctx, []uuid.UUID{upd.Pool.ID})
			if err != nil {
				return err
			}
			pool := locked[0]
			pool.Quantity = upd.Pool.Quantity
			pool.StartDate = upd.Pool.StartDate
			pool.EndDate = upd.Pool.EndDate
			pool.ProductID = upd.Pool.ProductID
			pool.ProvidedProductIDs = upd.Pool.ProvidedProductIDs
			pool.Attributes = upd.Pool.Attributes
			pool.SourceStackID = upd.Pool.SourceStackID
			pool.UpdatedAt = a.Now()
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return err
			}
			if upd.ProductsChanged || upd.DatesChanged {
				ents, err := tx.EntitlementsForPool(ctx, pool.ID)
				if err != nil {
					return err
				}
				for _, ent := range ents {
					if err := tx.SetEntitlementDirty(ctx, ent.ID, true); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, pool := range changes.Delete {
		pool := pool
		var poolEvs []events.Event
		err := a.store.WithTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.LockPools(ctx, []uuid.UUID{pool.ID})
			if err != nil {
				return err
			}
			poolEvs, err = a.deletePoolCascade(ctx, tx, locked[0])
			return err
		})
		if err != nil {
			return err
		}
		evs = append(evs, poolEvs...)
	}

	a.publish(ctx, evs)
	if !changes.Empty() {
		a.log.WithFields(logrus.Fields{
			"created": len(changes.Create),
			"updated": len(changes.Update),
			"deleted": len(changes.Delete),
		}).Info("applied pool refresh")
	}
	return nil
}
