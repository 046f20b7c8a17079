package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/entitler"
)

type bindRequest struct {
	// Pools maps pool id to quantity for explicit binds.
	Pools map[string]int64 `json:"pools"`
	// Products requests autobind resolution when Pools is empty.
	Products []string `json:"products"`
}

// HandleConsumerBindPOST binds a consumer either to explicit pools or, given
// products, through the entitler's best-pools resolution.
func HandleConsumerBindPOST(alloc *allocator.Allocator, ent *entitler.Entitler) gin.HandlerFunc {
	return func(c *gin.Context) {
		consumerID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_consumer_id"})
			return
		}
		var req bindRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
			return
		}

		if len(req.Pools) > 0 {
			requests := make(map[uuid.UUID]int64, len(req.Pools))
			for raw, q := range req.Pools {
				id, err := uuid.Parse(raw)
				if err != nil || q < 1 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pool_request"})
					return
				}
				requests[id] = q
			}
			ents, err := alloc.Bind(c.Request.Context(), consumerID, requests)
			if err != nil {
				respondErr(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"entitlements": entitlementIDs(ents)})
			return
		}

		if len(req.Products) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_pools_or_products"})
			return
		}
		ents, err := ent.BindByProducts(c.Request.Context(), consumerID, req.Products)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entitlements": entitlementIDs(ents)})
	}
}
