package allocator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/open-rails/entkit/storage"
)

// RefusalError is a business-rule rejection from the enforcer. The whole
// bind request is refused; PerPool carries the rule failures per pool so the
// caller can surface precise detail. Not retryable.
type RefusalError struct {
	PerPool map[uuid.UUID][]string
}

func (e *RefusalError) Error() string {
	ids := make([]string, 0, len(e.PerPool))
	for id := range e.PerPool {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return fmt.Sprintf("entitlement refused for pools %v", ids)
}

// UnavailableError means a bounded pool lacks the requested capacity.
type UnavailableError struct {
	PoolID    uuid.UUID
	Requested int64
	Available int64
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("pool %s unavailable: requested %d, %d free", e.PoolID, e.Requested, e.Available)
}

// BatchError reports a partially failed bulk revoke: how many entitlements
// were revoked, exactly which were not, and the chunk errors, so the caller
// can resume or abort precisely.
type BatchError struct {
	Revoked     int
	Unprocessed []uuid.UUID
	Errs        []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch revoke incomplete: %d revoked, %d unprocessed (%d chunk errors)",
		e.Revoked, len(e.Unprocessed), len(e.Errs))
}

func (e *BatchError) Unwrap() []error { return e.Errs }

// IsRetryable reports whether the operation failed on lock contention or a
// stale read and is safe to retry from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}
