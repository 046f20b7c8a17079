// Package entitler is the orchestration layer above the allocator: it
// resolves bind-by-product requests into concrete pool choices, refreshes
// pools from the upstream subscription system-of-record, and runs the
// periodic unmapped-guest revocation sweep.
package entitler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/enforcer"
	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

// Autobind gate errors. Both are fatal for the request; nothing is bound.
var (
	ErrAutobindDisabled           = errors.New("entitler: autobind disabled for owner")
	ErrHypervisorAutobindDisabled = errors.New("entitler: hypervisor autobind disabled for owner")
)

// SubscriptionSource is the upstream system-of-record for subscriptions.
type SubscriptionSource interface {
	GetSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]entitlements.SubscriptionInfo, error)
}

// Entitler orchestrates binds, refreshes, and sweeps.
type Entitler struct {
	store     storage.Store
	enforcer  enforcer.Enforcer
	allocator *allocator.Allocator
	source    SubscriptionSource
	log       *logrus.Logger

	// SweepGrace is how long past its effective end date an unmapped-guest
	// entitlement survives before the sweep revokes it.
	SweepGrace time.Duration
	// SweepBatchSize bounds each sweep revoke transaction.
	SweepBatchSize int

	// Now is stubbed in tests.
	Now func() time.Time
}

// Config wires an Entitler. Store, Enforcer, and Allocator are required;
// Source may be nil when RefreshPools is unused.
type Config struct {
	Store     storage.Store
	Enforcer  enforcer.Enforcer
	Allocator *allocator.Allocator
	Source    SubscriptionSource
	Logger    *logrus.Logger

	SweepGrace     time.Duration
	SweepBatchSize int
}

func New(cfg Config) *Entitler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = allocator.DefaultChunkSize
	}
	return &Entitler{
		store:          cfg.Store,
		enforcer:       cfg.Enforcer,
		allocator:      cfg.Allocator,
		source:         cfg.Source,
		log:            cfg.Logger,
		SweepGrace:     cfg.SweepGrace,
		SweepBatchSize: cfg.SweepBatchSize,
		Now:            time.Now,
	}
}

// BindByProducts resolves the requested products to pool choices via the
// enforcer's best-pools selection and binds them. Owners with autobind
// disabled (or hypervisor autobind disabled, for hypervisor consumers)
// refuse the request outright.
func (e *Entitler) BindByProducts(ctx context.Context, consumerID uuid.UUID, productIDs []string) ([]*entitlements.Entitlement, error) {
	var (
		consumer   *entitlements.Consumer
		owner      *entitlements.Owner
		candidates []*entitlements.Pool
	)
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if consumer, err = tx.GetConsumer(ctx, consumerID); err != nil {
			return err
		}
		if owner, err = tx.GetOwner(ctx, consumer.OwnerID); err != nil {
			return err
		}
		candidates, err = tx.PoolsForOwner(ctx, consumer.OwnerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if owner.AutobindDisabled {
		return nil, fmt.Errorf("%w (owner %s)", ErrAutobindDisabled, owner.Key)
	}
	if consumer.Type == entitlements.ConsumerTypeHypervisor && owner.HypervisorAutobindDisabled {
		return nil, fmt.Errorf("%w (owner %s)", ErrHypervisorAutobindDisabled, owner.Key)
	}

	now := e.Now()
	active := candidates[:0]
	for _, p := range candidates {
		if p.ActiveAt(now) && p.Available(1) {
			active = append(active, p)
		}
	}

	selections, err := e.enforcer.SelectBestPools(ctx, consumer, productIDs, active)
	if err != nil {
		return nil, fmt.Errorf("select pools for consumer %s: %w", consumerID, err)
	}
	if len(selections) == 0 {
		return nil, nil
	}

	requests := make(map[uuid.UUID]int64, len(selections))
	for _, sel := range selections {
		requests[sel.Pool.ID] += sel.Quantity
	}
	return e.allocator.Bind(ctx, consumerID, requests)
}

// RefreshPools reconciles an owner's pools against the upstream
// subscription source-of-record.
func (e *Entitler) RefreshPools(ctx context.Context, ownerID uuid.UUID) (entitlements.PoolChanges, error) {
	if e.source == nil {
		return entitlements.PoolChanges{}, errors.New("entitler: no subscription source configured")
	}
	subs, err := e.source.GetSubscriptions(ctx, ownerID)
	if err != nil {
		return entitlements.PoolChanges{}, fmt.Errorf("get subscriptions for owner %s: %w", ownerID, err)
	}

	var existing []*entitlements.Pool
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		existing, err = tx.PoolsForOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		return entitlements.PoolChanges{}, err
	}

	changes := entitlements.ComputeFromSubscriptions(existing, subs)
	if changes.Empty() {
		return changes, nil
	}
	return changes, e.allocator.ApplyPoolChanges(ctx, changes)
}
