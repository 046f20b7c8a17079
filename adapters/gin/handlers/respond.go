// Package handlers provides thin gin glue for mounting the allocation core
// inside a host service. The full REST surface (auth, owner admin, catalog)
// belongs to that host; these handlers only expose bind, revoke, and the
// published CRL.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/entitler"
	"github.com/open-rails/entkit/storage"
)

func respondErr(c *gin.Context, err error) {
	var refusal *allocator.RefusalError
	var unavailable *allocator.UnavailableError
	switch {
	case errors.As(err, &refusal):
		perPool := make(map[string][]string, len(refusal.PerPool))
		for id, msgs := range refusal.PerPool {
			perPool[id.String()] = msgs
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "entitlement_refused", "pools": perPool})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "pool_unavailable",
			"pool":      unavailable.PoolID.String(),
			"requested": unavailable.Requested,
			"available": unavailable.Available,
		})
	case errors.Is(err, entitler.ErrAutobindDisabled),
		errors.Is(err, entitler.ErrHypervisorAutobindDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "autobind_disabled"})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case allocator.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conflict_retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
