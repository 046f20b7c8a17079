// Package storage defines the transactional store contract the allocator,
// issuer, CRL generator, and orchestration layers consume. Implementations
// live in storage/postgres (production) and storage/memory (tests and
// single-node embedding).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entkit/entitlements"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned on lock contention or a serialization failure.
// The enclosing operation is safe to retry from scratch.
var ErrConflict = errors.New("storage: concurrent modification")

// Store runs functions inside a transaction. The transaction commits when fn
// returns nil and rolls back in full otherwise, including release of any row
// locks taken through the Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// LockPools acquires exclusive row locks on the given pools and returns
	// them. Locks are taken in ascending-id order regardless of input order
	// so overlapping requests cannot deadlock. Unknown ids yield ErrNotFound.
	LockPools(ctx context.Context, ids []uuid.UUID) ([]*entitlements.Pool, error)

	GetPool(ctx context.Context, id uuid.UUID) (*entitlements.Pool, error)
	CreatePool(ctx context.Context, pool *entitlements.Pool) error
	UpdatePool(ctx context.Context, pool *entitlements.Pool) error
	DeletePool(ctx context.Context, id uuid.UUID) error
	PoolsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*entitlements.Pool, error)
	// PoolsBySourceEntitlement returns bonus pools spawned by any of the
	// given entitlements.
	PoolsBySourceEntitlement(ctx context.Context, entitlementIDs []uuid.UUID) ([]*entitlements.Pool, error)
	// StackDerivedPool returns the consumer's derived pool for a stack, or
	// ErrNotFound. The returned pool is exclusively locked for the rest of
	// the transaction, like LockPools.
	StackDerivedPool(ctx context.Context, consumerID uuid.UUID, stackID string) (*entitlements.Pool, error)

	GetEntitlement(ctx context.Context, id uuid.UUID) (*entitlements.Entitlement, error)
	CreateEntitlement(ctx context.Context, ent *entitlements.Entitlement) error
	DeleteEntitlement(ctx context.Context, id uuid.UUID) error
	SetEntitlementDirty(ctx context.Context, id uuid.UUID, dirty bool) error
	EntitlementsForPool(ctx context.Context, poolID uuid.UUID) ([]*entitlements.Entitlement, error)
	EntitlementsForConsumer(ctx context.Context, consumerID uuid.UUID) ([]*entitlements.Entitlement, error)
	DirtyEntitlements(ctx context.Context, limit int) ([]*entitlements.Entitlement, error)
	// StackEntitlements returns the consumer's entitlements whose source
	// pools declare the given stacking id, paired with those pools. Derived
	// pools themselves are excluded.
	StackEntitlements(ctx context.Context, consumerID uuid.UUID, stackID string) ([]entitlements.StackMember, error)
	// UnmappedGuestEntitlements returns entitlements on unmapped-guest pools
	// whose effective end date is before cutoff, oldest first, at most limit.
	UnmappedGuestEntitlements(ctx context.Context, cutoff time.Time, limit int) ([]*entitlements.Entitlement, error)

	GetConsumer(ctx context.Context, id uuid.UUID) (*entitlements.Consumer, error)
	CreateConsumer(ctx context.Context, c *entitlements.Consumer) error
	GetOwner(ctx context.Context, id uuid.UUID) (*entitlements.Owner, error)
	CreateOwner(ctx context.Context, o *entitlements.Owner) error

	// AllocateSerial creates a fresh serial row (revoked and collected both
	// false) and returns its monotonically assigned id.
	AllocateSerial(ctx context.Context, expiration time.Time) (int64, error)
	GetSerial(ctx context.Context, id int64) (*entitlements.CertificateSerial, error)
	RevokeSerial(ctx context.Context, id int64) error
	MarkSerialsCollected(ctx context.Context, ids []int64) error
	RevokedUncollectedSerials(ctx context.Context) ([]*entitlements.CertificateSerial, error)
	ExpiredSerials(ctx context.Context, asOf time.Time) ([]*entitlements.CertificateSerial, error)
	DeleteSerials(ctx context.Context, ids []int64) error

	CreateCertificate(ctx context.Context, cert *entitlements.EntitlementCertificate) error
	DeleteCertificate(ctx context.Context, id uuid.UUID) error
	CertificateForEntitlement(ctx context.Context, entitlementID uuid.UUID) (*entitlements.EntitlementCertificate, error)

	// LatestCRL returns the most recently stored CRL artifact, or
	// ErrNotFound when none has been published yet.
	LatestCRL(ctx context.Context) ([]byte, error)
	StoreCRL(ctx context.Context, der []byte) error
}
