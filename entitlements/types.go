// Package entitlements defines the pool and entitlement data model and the
// pure computation rules that decide which pools should exist: subscription
// diffing and stack-derived pool recomputation. Nothing in this package
// performs I/O or locking; callers own transactions.
package entitlements

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Pool attribute keys recognized by the rules and the allocator.
const (
	AttrMultiEntitlement   = "multi-entitlement"
	AttrVirtLimit          = "virt_limit"
	AttrVirtOnly           = "virt_only"
	AttrUnmappedGuestsOnly = "unmapped_guests_only"
	AttrStackingID         = "stacking_id"
)

// VirtLimitUnlimited is the attribute value marking an unbounded virt limit.
const VirtLimitUnlimited = "unlimited"

// Subscription sub-keys. Exactly one pool exists per
// (sourceSubscriptionID, subKey) pair.
const (
	SubKeyPrimary = "primary"
	SubKeyDerived = "derived"
)

// Consumer types.
const (
	ConsumerTypeSystem     = "system"
	ConsumerTypeHypervisor = "hypervisor"
	ConsumerTypeGuest      = "guest"
)

// QuantityUnlimited marks a pool with no capacity bound.
const QuantityUnlimited int64 = -1

// Pool is a grant of capacity for one product to one owner.
type Pool struct {
	ID                 uuid.UUID
	OwnerID            uuid.UUID
	ProductID          string
	ProvidedProductIDs []string

	// Quantity is the capacity bound; -1 means unlimited.
	Quantity int64
	// Consumed is the sum of quantities of all entitlements on this pool.
	Consumed int64

	StartDate time.Time
	EndDate   time.Time

	Attributes map[string]string

	// SourceSubscriptionID and SubscriptionSubKey identify which upstream
	// subscription produced this pool. Empty for pools spawned by binds.
	SourceSubscriptionID string
	SubscriptionSubKey   string

	// SourceStackID groups pools/entitlements sharing a stacking id.
	SourceStackID string
	// SourceConsumerID is set on stack-derived pools restricted to one
	// consumer's guests.
	SourceConsumerID *uuid.UUID
	// SourceEntitlementID is set when this pool exists only because another
	// entitlement was granted (a bonus pool). Revoking that entitlement
	// cascades to this pool.
	SourceEntitlementID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Unlimited reports whether the pool has no capacity bound.
func (p *Pool) Unlimited() bool { return p.Quantity < 0 }

// Available reports whether the pool can accept quantity more consumption.
func (p *Pool) Available(quantity int64) bool {
	if p.Unlimited() {
		return true
	}
	return p.Consumed+quantity <= p.Quantity
}

// Free returns remaining capacity; unlimited pools report -1.
func (p *Pool) Free() int64 {
	if p.Unlimited() {
		return QuantityUnlimited
	}
	if p.Consumed >= p.Quantity {
		return 0
	}
	return p.Quantity - p.Consumed
}

// Attribute returns the named attribute, "" when absent.
func (p *Pool) Attribute(key string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[key]
}

// HasAttribute reports whether the named attribute is set to a truthy value.
func (p *Pool) HasAttribute(key string) bool {
	switch p.Attribute(key) {
	case "", "false", "no", "0":
		return false
	}
	return true
}

// StackingID returns the stacking group this pool's product declares, if any.
func (p *Pool) StackingID() string { return p.Attribute(AttrStackingID) }

// UnmappedGuestsOnly reports whether only unmapped guests may bind this pool.
func (p *Pool) UnmappedGuestsOnly() bool { return p.HasAttribute(AttrUnmappedGuestsOnly) }

// ActiveAt reports whether t falls inside the pool's validity window.
func (p *Pool) ActiveAt(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// Provides reports whether the pool covers the given product, either as its
// primary product or one of the provided products.
func (p *Pool) Provides(productID string) bool {
	if p.ProductID == productID {
		return true
	}
	for _, id := range p.ProvidedProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// Entitlement is one consumer's claim of quantity against one pool.
type Entitlement struct {
	ID         uuid.UUID
	PoolID     uuid.UUID
	ConsumerID uuid.UUID
	OwnerID    uuid.UUID

	Quantity int64

	// StartDate/EndDate override the pool's window when set; they are
	// clamped to it on creation.
	StartDate *time.Time
	EndDate   *time.Time

	// Dirty marks an entitlement whose certificate needs (re)generation.
	Dirty bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveEndDate returns the entitlement's end date override, falling back
// to the owning pool's end date.
func (e *Entitlement) EffectiveEndDate(pool *Pool) time.Time {
	if e.EndDate != nil {
		return *e.EndDate
	}
	return pool.EndDate
}

// ClampWindow clamps the entitlement's date overrides to the pool's window.
func (e *Entitlement) ClampWindow(pool *Pool) {
	if e.StartDate != nil && e.StartDate.Before(pool.StartDate) {
		s := pool.StartDate
		e.StartDate = &s
	}
	if e.EndDate != nil && e.EndDate.After(pool.EndDate) {
		t := pool.EndDate
		e.EndDate = &t
	}
}

// Consumer is the unit a pool's capacity is granted to. Identity and
// authentication live outside this module; only the fields allocation
// decisions depend on are kept here.
type Consumer struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Name    string
	Type    string

	// UnmappedGuest marks a virtual guest not yet reported by any
	// hypervisor. Such consumers may bind unmapped-guest pools.
	UnmappedGuest bool

	CreatedAt time.Time
}

// Owner is the organization pools belong to.
type Owner struct {
	ID   uuid.UUID
	Key  string
	Name string

	AutobindDisabled           bool
	HypervisorAutobindDisabled bool
}

// SubscriptionInfo is the upstream system-of-record view of one subscription.
type SubscriptionInfo struct {
	ID                 string
	OwnerID            uuid.UUID
	ProductID          string
	ProvidedProductIDs []string
	Quantity           int64
	StartDate          time.Time
	EndDate            time.Time

	// ProductAttributes drive derived-pool creation and stacking.
	ProductAttributes map[string]string
}

// CertificateSerial is the revocation-ledger row for one issued certificate.
type CertificateSerial struct {
	ID         int64
	Expiration time.Time
	Revoked    bool
	// Collected means the serial has been folded into a published CRL.
	// Only ever true for revoked serials.
	Collected bool
}

// EntitlementCertificate is the signed artifact proving an entitlement.
type EntitlementCertificate struct {
	ID            uuid.UUID
	EntitlementID uuid.UUID
	Serial        int64
	Key           []byte
	Cert          []byte
	CreatedAt     time.Time
}

// StackMember pairs an entitlement with its source pool for stack math.
type StackMember struct {
	Entitlement *Entitlement
	Pool        *Pool
}

// ParseVirtLimit interprets a virt_limit attribute value. It returns -1 for
// "unlimited", the parsed count otherwise, and ok=false when the value is
// absent or malformed.
func ParseVirtLimit(v string) (limit int64, ok bool) {
	if v == "" {
		return 0, false
	}
	if v == VirtLimitUnlimited {
		return QuantityUnlimited, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
