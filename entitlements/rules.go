package entitlements

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// PoolChanges is the diff produced by ComputeFromSubscriptions.
type PoolChanges struct {
	Create []*Pool
	Update []PoolUpdate
	Delete []*Pool
}

// Empty reports whether the diff contains no work.
func (c PoolChanges) Empty() bool {
	return len(c.Create) == 0 && len(c.Update) == 0 && len(c.Delete) == 0
}

// PoolUpdate carries a pool with new values applied plus flags naming what
// changed, so callers can decide whether entitlement certificates need
// regeneration.
type PoolUpdate struct {
	Pool *Pool

	QuantityChanged   bool
	DatesChanged      bool
	ProductsChanged   bool
	AttributesChanged bool
}

type subKey struct {
	subscriptionID string
	subKey         string
}

// ComputeFromSubscriptions diffs the pools that exist against the pools the
// given subscriptions say should exist. Pools are matched to subscriptions by
// (sourceSubscriptionID, subKey). Subscriptions with no pool yield creates,
// pools with no subscription yield deletes, matched pairs yield updates when
// any field differs. The function is idempotent: re-running on unchanged
// inputs yields an empty diff.
//
// Pools spawned by binds (sourceEntitlementID set) and stack-derived pools
// belong to the allocator and are never touched here.
func ComputeFromSubscriptions(existing []*Pool, subs []SubscriptionInfo) PoolChanges {
	byKey := make(map[subKey]*Pool, len(existing))
	for _, p := range existing {
		if p.SourceSubscriptionID == "" || p.SourceEntitlementID != nil || p.SourceConsumerID != nil {
			continue
		}
		byKey[subKey{p.SourceSubscriptionID, p.SubscriptionSubKey}] = p
	}

	var changes PoolChanges
	seen := make(map[subKey]bool, len(subs))

	for _, sub := range subs {
		for _, want := range poolsForSubscription(sub) {
			k := subKey{want.SourceSubscriptionID, want.SubscriptionSubKey}
			seen[k] = true
			have, ok := byKey[k]
			if !ok {
				changes.Create = append(changes.Create, want)
				continue
			}
			if upd, changed := diffPool(have, want); changed {
				changes.Update = append(changes.Update, upd)
			}
		}
	}

	for k, p := range byKey {
		if !seen[k] {
			changes.Delete = append(changes.Delete, p)
		}
	}
	sort.Slice(changes.Delete, func(i, j int) bool {
		return compareID(changes.Delete[i].ID, changes.Delete[j].ID) < 0
	})

	return changes
}

// poolsForSubscription expands one subscription into the pools it should
// back: always a primary pool, plus a derived unmapped-guest pool when the
// product declares a virt limit.
func poolsForSubscription(sub SubscriptionInfo) []*Pool {
	primary := &Pool{
		OwnerID:              sub.OwnerID,
		ProductID:            sub.ProductID,
		ProvidedProductIDs:   copyStrings(sub.ProvidedProductIDs),
		Quantity:             sub.Quantity,
		StartDate:            sub.StartDate,
		EndDate:              sub.EndDate,
		Attributes:           copyAttrs(sub.ProductAttributes),
		SourceSubscriptionID: sub.ID,
		SubscriptionSubKey:   SubKeyPrimary,
		SourceStackID:        sub.ProductAttributes[AttrStackingID],
	}
	pools := []*Pool{primary}

	limit, ok := ParseVirtLimit(sub.ProductAttributes[AttrVirtLimit])
	if !ok {
		return pools
	}

	derivedQty := QuantityUnlimited
	if limit > 0 && sub.Quantity >= 0 {
		derivedQty = limit * sub.Quantity
	}
	attrs := copyAttrs(sub.ProductAttributes)
	attrs[AttrVirtOnly] = "true"
	attrs[AttrUnmappedGuestsOnly] = "true"
	pools = append(pools, &Pool{
		OwnerID:              sub.OwnerID,
		ProductID:            sub.ProductID,
		ProvidedProductIDs:   copyStrings(sub.ProvidedProductIDs),
		Quantity:             derivedQty,
		StartDate:            sub.StartDate,
		EndDate:              sub.EndDate,
		Attributes:           attrs,
		SourceSubscriptionID: sub.ID,
		SubscriptionSubKey:   SubKeyDerived,
		SourceStackID:        sub.ProductAttributes[AttrStackingID],
	})
	return pools
}

// diffPool applies want's fields onto a copy of have and reports what
// changed. Consumed and identity fields are preserved.
func diffPool(have, want *Pool) (PoolUpdate, bool) {
	next := *have
	upd := PoolUpdate{Pool: &next}

	if have.Quantity != want.Quantity {
		next.Quantity = want.Quantity
		upd.QuantityChanged = true
	}
	if !have.StartDate.Equal(want.StartDate) || !have.EndDate.Equal(want.EndDate) {
		next.StartDate = want.StartDate
		next.EndDate = want.EndDate
		upd.DatesChanged = true
	}
	if have.ProductID != want.ProductID || !sameStrings(have.ProvidedProductIDs, want.ProvidedProductIDs) {
		next.ProductID = want.ProductID
		next.ProvidedProductIDs = copyStrings(want.ProvidedProductIDs)
		upd.ProductsChanged = true
	}
	if !sameAttrs(have.Attributes, want.Attributes) {
		next.Attributes = copyAttrs(want.Attributes)
		upd.AttributesChanged = true
	}
	if next.SourceStackID != want.SourceStackID {
		next.SourceStackID = want.SourceStackID
		upd.AttributesChanged = true
	}

	changed := upd.QuantityChanged || upd.DatesChanged || upd.ProductsChanged || upd.AttributesChanged
	return upd, changed
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := copyStrings(a)
	bs := copyStrings(b)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// compareID orders UUIDs by their byte representation. Pool locks are always
// acquired in this order.
func compareID(a, b uuid.UUID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// SortPoolIDs sorts pool ids into the canonical lock-acquisition order.
func SortPoolIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return compareID(ids[i], ids[j]) < 0 })
}

// WindowSpan returns the widest window covered by the given members, used
// for stack-derived pool dates.
func WindowSpan(members []StackMember) (start, end time.Time) {
	for i, m := range members {
		s := m.Pool.StartDate
		if m.Entitlement.StartDate != nil {
			s = *m.Entitlement.StartDate
		}
		e := m.Entitlement.EffectiveEndDate(m.Pool)
		if i == 0 {
			start, end = s, e
			continue
		}
		if s.Before(start) {
			start = s
		}
		if e.After(end) {
			end = e
		}
	}
	return start, end
}
