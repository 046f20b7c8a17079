// Package enforcer defines the policy-evaluator capability the allocator and
// entitler consume. The production deployment backs this with a scriptable
// rule engine owned by the catalog team; this package ships a deterministic
// rule-table implementation covering the standard checks, and a fixed-result
// implementation for tests.
package enforcer

import (
	"context"

	"github.com/open-rails/entkit/entitlements"
)

// Result is the outcome of a policy evaluation. Errors refuse the operation;
// warnings are advisory and recorded only.
type Result struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the evaluation produced no errors.
func (r Result) OK() bool { return len(r.Errors) == 0 }

func (r *Result) addError(msg string)   { r.Errors = append(r.Errors, msg) }
func (r *Result) addWarning(msg string) { r.Warnings = append(r.Warnings, msg) }

// PoolQuantity is one pool choice with the quantity to bind from it.
type PoolQuantity struct {
	Pool     *entitlements.Pool
	Quantity int64
}

// Enforcer validates binds and unbinds and selects pools for autobind.
type Enforcer interface {
	// PreEntitlement validates one (consumer, pool, quantity) bind. Any
	// error refuses the whole bind request.
	PreEntitlement(ctx context.Context, consumer *entitlements.Consumer, pool *entitlements.Pool, quantity int64) Result

	// PreUnbind runs before revocation. Its result is advisory: errors are
	// logged, never enforced, since revocation must always be possible.
	PreUnbind(ctx context.Context, consumer *entitlements.Consumer, pool *entitlements.Pool) Result

	// SelectBestPools picks pools and quantities covering the requested
	// products from the candidates.
	SelectBestPools(ctx context.Context, consumer *entitlements.Consumer, productIDs []string, candidates []*entitlements.Pool) ([]PoolQuantity, error)
}
