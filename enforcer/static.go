package enforcer

import (
	"context"

	"github.com/open-rails/entkit/entitlements"
)

// Static returns fixed results, for tests and for deployments that disable
// policy evaluation entirely. The zero value approves everything.
type Static struct {
	// EntitlementResult is returned from every PreEntitlement call.
	EntitlementResult Result
	// UnbindResult is returned from every PreUnbind call.
	UnbindResult Result
	// SelectErr, when set, fails every SelectBestPools call.
	SelectErr error
}

func (s *Static) PreEntitlement(context.Context, *entitlements.Consumer, *entitlements.Pool, int64) Result {
	return s.EntitlementResult
}

func (s *Static) PreUnbind(context.Context, *entitlements.Consumer, *entitlements.Pool) Result {
	return s.UnbindResult
}

// SelectBestPools delegates product coverage to the rule table; Static only
// overrides validation outcomes.
func (s *Static) SelectBestPools(ctx context.Context, consumer *entitlements.Consumer, productIDs []string, candidates []*entitlements.Pool) ([]PoolQuantity, error) {
	if s.SelectErr != nil {
		return nil, s.SelectErr
	}
	return NewRuleEnforcer().SelectBestPools(ctx, consumer, productIDs, candidates)
}
