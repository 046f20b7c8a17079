// Package allocator implements the transactional bind/revoke engine: it
// locks pools, checks availability, mutates consumed counters, manages
// entitlement rows, triggers certificate issuance and revocation, and keeps
// stack-derived pools consistent.
package allocator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/enforcer"
	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/events"
	"github.com/open-rails/entkit/storage"
)

// DefaultChunkSize bounds how many entitlements one bulk-revoke transaction
// touches.
const DefaultChunkSize = 100

// Allocator is the bind/revoke engine. All pool mutation in the module goes
// through it.
type Allocator struct {
	store    storage.Store
	enforcer enforcer.Enforcer
	issuer   *certs.Issuer
	sink     events.Sink
	stacking entitlements.StackingStrategy
	log      *logrus.Logger

	// Now is stubbed in tests.
	Now func() time.Time
}

// Config wires an Allocator. Store, Enforcer, and Issuer are required; a nil
// Sink discards events, a nil Stacking strategy uses MaxVirtLimitStrategy,
// and a nil Logger uses the standard logger.
type Config struct {
	Store    storage.Store
	Enforcer enforcer.Enforcer
	Issuer   *certs.Issuer
	Sink     events.Sink
	Stacking entitlements.StackingStrategy
	Logger   *logrus.Logger
}

func New(cfg Config) *Allocator {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	if cfg.Stacking == nil {
		cfg.Stacking = entitlements.MaxVirtLimitStrategy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Allocator{
		store:    cfg.Store,
		enforcer: cfg.Enforcer,
		issuer:   cfg.Issuer,
		sink:     cfg.Sink,
		stacking: cfg.Stacking,
		log:      cfg.Logger,
		Now:      time.Now,
	}
}

// publish sends events best-effort after a commit.
func (a *Allocator) publish(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := a.sink.Publish(ctx, ev); err != nil {
			a.log.WithError(err).WithField("event", ev.Type).Warn("event publish failed")
		}
	}
}

type stackKey struct {
	consumerID uuid.UUID
	stackID    string
}

// recomputeStack rebuilds the derived pool of one (consumer, stack) group
// inside the caller's transaction. Deleting a derived pool cascade-revokes
// entitlements granted from it. Returned events must be published by the
// caller after commit.
//
// The derived pool is locked before the member set is read: overlapping
// recomputations for the same group serialize on that lock, and whichever
// runs second reads a member set that includes the first one's entitlement.
func (a *Allocator) recomputeStack(ctx context.Context, tx storage.Tx, key stackKey) ([]events.Event, error) {
	existing, err := tx.StackDerivedPool(ctx, key.consumerID, key.stackID)
	if errors.Is(err, storage.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return nil, err
	}
	members, err := tx.StackEntitlements(ctx, key.consumerID, key.stackID)
	if err != nil {
		return nil, err
	}

	change := entitlements.ComputeStackDerivedPool(key.consumerID, key.stackID, members, existing, a.stacking)
	switch {
	case change.Create != nil:
		pool := change.Create
		pool.ID = uuid.New()
		pool.CreatedAt = a.Now()
		pool.UpdatedAt = pool.CreatedAt
		if err := tx.CreatePool(ctx, pool); err != nil {
			return nil, err
		}
		return []events.Event{{
			Type: events.PoolCreated, EntityID: pool.ID, OwnerID: pool.OwnerID,
			ConsumerID: key.consumerID, Timestamp: a.Now(),
		}}, nil

	case change.Update != nil:
		pool := change.Update.Pool
		pool.UpdatedAt = a.Now()
		return nil, tx.UpdatePool(ctx, pool)

	case change.Delete != nil:
		return a.deletePoolCascade(ctx, tx, change.Delete)
	}
	return nil, nil
}

// deletePoolCascade revokes every entitlement granted from the pool, then
// deletes the pool itself. Revocation goes through revokeSet, so pools
// spawned by those entitlements are torn down transitively and any stacks
// they were members of get recomputed.
func (a *Allocator) deletePoolCascade(ctx context.Context, tx storage.Tx, pool *entitlements.Pool) ([]events.Event, error) {
	ents, err := tx.EntitlementsForPool(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(ents))
	for i, ent := range ents {
		ids[i] = ent.ID
	}
	_, evs, err := a.revokeSet(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.DeletePool(ctx, pool.ID); err != nil {
		return nil, err
	}
	evs = append(evs, events.Event{
		Type: events.PoolDeleted, EntityID: pool.ID, OwnerID: pool.OwnerID, Timestamp: a.Now(),
	})
	return evs, nil
}
