package enforcer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/open-rails/entkit/entitlements"
)

// RuleEnforcer implements the standard pre-entitlement checks without a
// scripting engine: multi-entitlement, validity window, consumer-type
// restrictions, and unmapped-guest pool eligibility.
type RuleEnforcer struct {
	// Now is stubbed in tests.
	Now func() time.Time
}

// NewRuleEnforcer returns a RuleEnforcer using wall-clock time.
func NewRuleEnforcer() *RuleEnforcer {
	return &RuleEnforcer{Now: time.Now}
}

func (e *RuleEnforcer) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *RuleEnforcer) PreEntitlement(_ context.Context, consumer *entitlements.Consumer, pool *entitlements.Pool, quantity int64) Result {
	var r Result
	if quantity < 1 {
		r.addError("rulefailed.invalid.quantity")
		return r
	}
	if quantity > 1 && !pool.HasAttribute(entitlements.AttrMultiEntitlement) {
		r.addError("rulefailed.quantity.exceeds.multi.entitlement")
	}
	if !pool.ActiveAt(e.now()) {
		r.addError("rulefailed.pool.not.active")
	}
	if pool.UnmappedGuestsOnly() && !consumer.UnmappedGuest {
		r.addError("rulefailed.virt.only.for.unmapped.guests")
	}
	if pool.HasAttribute(entitlements.AttrVirtOnly) && consumer.Type == entitlements.ConsumerTypeHypervisor {
		r.addWarning("rulewarning.virt.only.pool.for.hypervisor")
	}
	if pool.SourceConsumerID != nil && *pool.SourceConsumerID != consumer.ID {
		r.addError("rulefailed.consumer.mismatch")
	}
	return r
}

func (e *RuleEnforcer) PreUnbind(_ context.Context, _ *entitlements.Consumer, pool *entitlements.Pool) Result {
	var r Result
	if !pool.ActiveAt(e.now()) {
		r.addWarning("rulewarning.pool.expired")
	}
	return r
}

// SelectBestPools covers each requested product from the soonest-expiring
// eligible pool, so short-lived capacity is drained before long-lived
// capacity. A pool covering several requested products is selected once with
// quantity 1: one entitlement certificate already proves the pool's whole
// provided set. Products no candidate covers are an error.
func (e *RuleEnforcer) SelectBestPools(ctx context.Context, consumer *entitlements.Consumer, productIDs []string, candidates []*entitlements.Pool) ([]PoolQuantity, error) {
	eligible := make([]*entitlements.Pool, 0, len(candidates))
	for _, p := range candidates {
		if !p.Available(1) {
			continue
		}
		if res := e.PreEntitlement(ctx, consumer, p, 1); !res.OK() {
			continue
		}
		eligible = append(eligible, p)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].EndDate.Before(eligible[j].EndDate)
	})

	chosen := make(map[*entitlements.Pool]bool)
	var order []*entitlements.Pool
	for _, productID := range productIDs {
		found := false
		for _, p := range eligible {
			if p.Provides(productID) {
				if !chosen[p] {
					chosen[p] = true
					order = append(order, p)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no eligible pool covers product %q", productID)
		}
	}

	out := make([]PoolQuantity, 0, len(order))
	for _, p := range order {
		out = append(out, PoolQuantity{Pool: p, Quantity: 1})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pool.EndDate.Before(out[j].Pool.EndDate)
	})
	return out, nil
}
