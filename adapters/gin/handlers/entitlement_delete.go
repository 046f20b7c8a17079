package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/entitlements"
)

func entitlementIDs(ents []*entitlements.Entitlement) []string {
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i] = e.ID.String()
	}
	return out
}

// HandleEntitlementDELETE revokes one entitlement, cascading to any bonus
// pools it spawned.
func HandleEntitlementDELETE(alloc *allocator.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entitlement_id"})
			return
		}
		n, err := alloc.Revoke(c.Request.Context(), []uuid.UUID{id})
		if err != nil {
			respondErr(c, err)
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": n})
	}
}

// HandleConsumerEntitlementsDELETE revokes everything a consumer holds.
func HandleConsumerEntitlementsDELETE(alloc *allocator.Allocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_consumer_id"})
			return
		}
		n, err := alloc.RevokeAllForConsumer(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": n})
	}
}
