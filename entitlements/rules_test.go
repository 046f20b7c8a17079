package entitlements

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testSub(id string, quantity int64, attrs map[string]string) SubscriptionInfo {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return SubscriptionInfo{
		ID:                 id,
		OwnerID:            uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		ProductID:          "prod-" + id,
		ProvidedProductIDs: []string{"content-" + id},
		Quantity:           quantity,
		StartDate:          start,
		EndDate:            start.AddDate(1, 0, 0),
		ProductAttributes:  attrs,
	}
}

func applyChanges(pools []*Pool, changes PoolChanges) []*Pool {
	byID := make(map[uuid.UUID]*Pool)
	for _, p := range pools {
		byID[p.ID] = p
	}
	for _, p := range changes.Create {
		p.ID = uuid.New()
		byID[p.ID] = p
	}
	for _, u := range changes.Update {
		byID[u.Pool.ID] = u.Pool
	}
	for _, p := range changes.Delete {
		delete(byID, p.ID)
	}
	out := make([]*Pool, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	return out
}

func TestComputeFromSubscriptionsCreatesPrimaryPool(t *testing.T) {
	sub := testSub("s1", 10, nil)
	changes := ComputeFromSubscriptions(nil, []SubscriptionInfo{sub})

	if len(changes.Create) != 1 {
		t.Fatalf("expected 1 create, got %d", len(changes.Create))
	}
	p := changes.Create[0]
	if p.SourceSubscriptionID != "s1" || p.SubscriptionSubKey != SubKeyPrimary {
		t.Errorf("wrong source linkage: %q/%q", p.SourceSubscriptionID, p.SubscriptionSubKey)
	}
	if p.Quantity != 10 || p.Consumed != 0 {
		t.Errorf("quantity=%d consumed=%d", p.Quantity, p.Consumed)
	}
}

func TestComputeFromSubscriptionsVirtLimitDerivedPool(t *testing.T) {
	sub := testSub("s1", 10, map[string]string{AttrVirtLimit: "4"})
	changes := ComputeFromSubscriptions(nil, []SubscriptionInfo{sub})

	if len(changes.Create) != 2 {
		t.Fatalf("expected primary + derived, got %d creates", len(changes.Create))
	}
	var derived *Pool
	for _, p := range changes.Create {
		if p.SubscriptionSubKey == SubKeyDerived {
			derived = p
		}
	}
	if derived == nil {
		t.Fatal("no derived pool created")
	}
	if derived.Quantity != 40 {
		t.Errorf("derived quantity = %d, want 40 (virt_limit * quantity)", derived.Quantity)
	}
	if !derived.UnmappedGuestsOnly() {
		t.Error("derived pool should be unmapped-guests-only")
	}
}

func TestComputeFromSubscriptionsUnlimitedVirtLimit(t *testing.T) {
	sub := testSub("s1", 10, map[string]string{AttrVirtLimit: VirtLimitUnlimited})
	changes := ComputeFromSubscriptions(nil, []SubscriptionInfo{sub})

	for _, p := range changes.Create {
		if p.SubscriptionSubKey == SubKeyDerived && !p.Unlimited() {
			t.Errorf("derived pool quantity = %d, want unlimited", p.Quantity)
		}
	}
}

func TestComputeFromSubscriptionsIdempotent(t *testing.T) {
	subs := []SubscriptionInfo{
		testSub("s1", 10, map[string]string{AttrVirtLimit: "4"}),
		testSub("s2", 5, nil),
	}
	first := ComputeFromSubscriptions(nil, subs)
	pools := applyChanges(nil, first)

	second := ComputeFromSubscriptions(pools, subs)
	if !second.Empty() {
		t.Fatalf("second run not empty: %d creates, %d updates, %d deletes",
			len(second.Create), len(second.Update), len(second.Delete))
	}
}

func TestComputeFromSubscriptionsDeletesOrphans(t *testing.T) {
	subs := []SubscriptionInfo{testSub("s1", 10, nil), testSub("s2", 5, nil)}
	pools := applyChanges(nil, ComputeFromSubscriptions(nil, subs))

	changes := ComputeFromSubscriptions(pools, subs[:1])
	if len(changes.Delete) != 1 {
		t.Fatalf("expected 1 delete, got %d", len(changes.Delete))
	}
	if changes.Delete[0].SourceSubscriptionID != "s2" {
		t.Errorf("deleted wrong pool: %s", changes.Delete[0].SourceSubscriptionID)
	}
}

func TestComputeFromSubscriptionsUpdateFlags(t *testing.T) {
	sub := testSub("s1", 10, nil)
	pools := applyChanges(nil, ComputeFromSubscriptions(nil, []SubscriptionInfo{sub}))
	pools[0].Consumed = 3

	sub.Quantity = 20
	sub.EndDate = sub.EndDate.AddDate(1, 0, 0)
	changes := ComputeFromSubscriptions(pools, []SubscriptionInfo{sub})

	if len(changes.Update) != 1 {
		t.Fatalf("expected 1 update, got %d", len(changes.Update))
	}
	upd := changes.Update[0]
	if !upd.QuantityChanged || !upd.DatesChanged {
		t.Errorf("flags: quantity=%v dates=%v", upd.QuantityChanged, upd.DatesChanged)
	}
	if upd.ProductsChanged || upd.AttributesChanged {
		t.Errorf("unexpected flags: products=%v attributes=%v", upd.ProductsChanged, upd.AttributesChanged)
	}
	if upd.Pool.Consumed != 3 {
		t.Errorf("update must preserve consumed, got %d", upd.Pool.Consumed)
	}
	if upd.Pool.Quantity != 20 {
		t.Errorf("quantity = %d, want 20", upd.Pool.Quantity)
	}
}

func TestComputeFromSubscriptionsIgnoresBindSpawnedPools(t *testing.T) {
	entID := uuid.New()
	cid := uuid.New()
	pools := []*Pool{
		{ID: uuid.New(), SourceEntitlementID: &entID, SourceSubscriptionID: "s1", SubscriptionSubKey: SubKeyDerived},
		{ID: uuid.New(), SourceConsumerID: &cid, SourceStackID: "stack1"},
	}
	changes := ComputeFromSubscriptions(pools, nil)
	if len(changes.Delete) != 0 {
		t.Fatalf("bind-spawned pools must not be deleted by refresh, got %d deletes", len(changes.Delete))
	}
}

func TestPoolAvailability(t *testing.T) {
	unlimited := &Pool{Quantity: QuantityUnlimited}
	for _, consumed := range []int64{0, 1, 1000000} {
		unlimited.Consumed = consumed
		if !unlimited.Available(1) {
			t.Errorf("unlimited pool unavailable at consumed=%d", consumed)
		}
	}

	bounded := &Pool{Quantity: 5, Consumed: 5}
	if bounded.Available(1) {
		t.Error("full pool reported available")
	}
	if bounded.Free() != 0 {
		t.Errorf("Free() = %d, want 0", bounded.Free())
	}
}

func TestEntitlementClampWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := &Pool{StartDate: start, EndDate: start.AddDate(1, 0, 0)}

	early := start.AddDate(0, -1, 0)
	late := start.AddDate(2, 0, 0)
	ent := &Entitlement{StartDate: &early, EndDate: &late}
	ent.ClampWindow(pool)

	if !ent.StartDate.Equal(pool.StartDate) {
		t.Errorf("start not clamped: %v", ent.StartDate)
	}
	if !ent.EndDate.Equal(pool.EndDate) {
		t.Errorf("end not clamped: %v", ent.EndDate)
	}
}
