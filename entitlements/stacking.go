package entitlements

import (
	"github.com/google/uuid"
)

// StackingStrategy combines the stacked entitlements of one consumer into the
// quantity of that stack's derived pool. The exact combination rule is
// catalog-defined, so it is injected rather than hard-coded; an unlimited
// member must dominate every finite value in any implementation.
type StackingStrategy interface {
	// Combine returns the derived-pool quantity for the stack members.
	// -1 means unlimited; 0 means no derived pool should exist.
	Combine(members []StackMember) int64
}

// MaxVirtLimitStrategy is the default combination: any member whose pool
// declares virt_limit=unlimited makes the stack unlimited, otherwise the
// largest finite virt limit wins. Members without a virt limit contribute
// nothing.
type MaxVirtLimitStrategy struct{}

func (MaxVirtLimitStrategy) Combine(members []StackMember) int64 {
	var max int64
	for _, m := range members {
		limit, ok := ParseVirtLimit(m.Pool.Attribute(AttrVirtLimit))
		if !ok {
			continue
		}
		if limit == QuantityUnlimited {
			return QuantityUnlimited
		}
		if limit > max {
			max = limit
		}
	}
	return max
}

// StackChange is the single instruction produced by stack recomputation. At
// most one of the fields is set.
type StackChange struct {
	Create *Pool
	Update *PoolUpdate
	Delete *Pool
}

// Empty reports whether no change is needed.
func (c StackChange) Empty() bool {
	return c.Create == nil && c.Update == nil && c.Delete == nil
}

// ComputeStackDerivedPool decides what should happen to the derived pool of
// one (consumer, stack) group given its current members. An empty stack
// deletes the derived pool; a non-empty stack creates or resizes it. The
// derived pool is restricted to the consumer (sourceConsumerID) and spans the
// widest window of its members.
func ComputeStackDerivedPool(consumerID uuid.UUID, stackID string, members []StackMember, existing *Pool, strategy StackingStrategy) StackChange {
	if strategy == nil {
		strategy = MaxVirtLimitStrategy{}
	}

	quantity := int64(0)
	if len(members) > 0 {
		quantity = strategy.Combine(members)
	}
	if quantity == 0 {
		if existing != nil {
			return StackChange{Delete: existing}
		}
		return StackChange{}
	}

	start, end := WindowSpan(members)
	anchor := members[0].Pool

	if existing == nil {
		cid := consumerID
		return StackChange{Create: &Pool{
			OwnerID:            anchor.OwnerID,
			ProductID:          anchor.ProductID,
			ProvidedProductIDs: copyStrings(anchor.ProvidedProductIDs),
			Quantity:           quantity,
			StartDate:          start,
			EndDate:            end,
			Attributes: map[string]string{
				AttrVirtOnly:   "true",
				AttrStackingID: stackID,
			},
			SourceStackID:    stackID,
			SourceConsumerID: &cid,
		}}
	}

	want := *existing
	want.Quantity = quantity
	want.StartDate = start
	want.EndDate = end
	want.ProductID = anchor.ProductID
	want.ProvidedProductIDs = copyStrings(anchor.ProvidedProductIDs)
	if upd, changed := diffPool(existing, &want); changed {
		return StackChange{Update: &upd}
	}
	return StackChange{}
}
