// Package testing provides prewired fixtures for testing applications that
// embed entkit: an in-memory store, a permissive enforcer, a local
// certificate authority, and the allocator/entitler/issuer stack on top,
// so integration tests need no database or CA service.
//
// Example usage:
//
//	fx, err := entkittest.New()
//	owner := fx.CreateOwner("acme")
//	consumer := fx.CreateConsumer(owner.ID, "web-01")
//	pool := fx.CreatePool(owner.ID, "prod-basic", 10)
//	ents, err := fx.Allocator.Bind(ctx, consumer.ID, map[uuid.UUID]int64{pool.ID: 1})
package testing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/enforcer"
	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/entitler"
	memoryevents "github.com/open-rails/entkit/events/memory"
	memorystore "github.com/open-rails/entkit/storage/memory"
	"github.com/open-rails/entkit/storage"
)

// Fixture bundles a fully wired in-memory stack.
type Fixture struct {
	Store     *memorystore.Store
	Enforcer  *enforcer.Static
	Authority *certs.LocalAuthority
	Issuer    *certs.Issuer
	Generator *certs.Generator
	Allocator *allocator.Allocator
	Entitler  *entitler.Entitler
	Events    *memoryevents.Sink
}

// New builds a Fixture with a fresh local CA. Key generation makes this
// mildly expensive; share one fixture across subtests where possible.
func New() (*Fixture, error) {
	ca, err := certs.NewLocalAuthority("entkit test ca", 0)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := memorystore.New()
	enf := &enforcer.Static{}
	sink := memoryevents.New()
	issuer := certs.NewIssuer(store, ca, log)
	alloc := allocator.New(allocator.Config{
		Store:    store,
		Enforcer: enf,
		Issuer:   issuer,
		Sink:     sink,
		Logger:   log,
	})
	ent := entitler.New(entitler.Config{
		Store:     store,
		Enforcer:  enf,
		Allocator: alloc,
		Logger:    log,
	})
	return &Fixture{
		Store:     store,
		Enforcer:  enf,
		Authority: ca,
		Issuer:    issuer,
		Generator: certs.NewGenerator(store, ca, log),
		Allocator: alloc,
		Entitler:  ent,
		Events:    sink,
	}, nil
}

// CreateOwner persists and returns an owner.
func (f *Fixture) CreateOwner(key string) *entitlements.Owner {
	owner := &entitlements.Owner{ID: uuid.New(), Key: key, Name: key}
	f.mustTx(func(tx storage.Tx) error { return tx.CreateOwner(context.Background(), owner) })
	return owner
}

// CreateConsumer persists and returns a system consumer.
func (f *Fixture) CreateConsumer(ownerID uuid.UUID, name string) *entitlements.Consumer {
	consumer := &entitlements.Consumer{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		Type:      entitlements.ConsumerTypeSystem,
		CreatedAt: time.Now(),
	}
	f.mustTx(func(tx storage.Tx) error { return tx.CreateConsumer(context.Background(), consumer) })
	return consumer
}

// CreatePool persists and returns a pool valid for one year from now.
// quantity -1 means unlimited.
func (f *Fixture) CreatePool(ownerID uuid.UUID, productID string, quantity int64) *entitlements.Pool {
	now := time.Now()
	pool := &entitlements.Pool{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		ProductID: productID,
		Quantity:  quantity,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(365 * 24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.mustTx(func(tx storage.Tx) error { return tx.CreatePool(context.Background(), pool) })
	return pool
}

func (f *Fixture) mustTx(fn func(tx storage.Tx) error) {
	if err := f.Store.WithTx(context.Background(), fn); err != nil {
		panic("fixture setup failed: " + err.Error())
	}
}
