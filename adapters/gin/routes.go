// Package ginadapter mounts the entitlement endpoints on a host router.
package ginadapter

import (
	"github.com/gin-gonic/gin"

	"github.com/open-rails/entkit/adapters/gin/handlers"
	"github.com/open-rails/entkit/allocator"
	"github.com/open-rails/entkit/entitler"
	"github.com/open-rails/entkit/storage"
)

// Register mounts bind, revoke, and CRL routes. Authentication and
// authorization middleware are the host's responsibility.
func Register(r gin.IRouter, alloc *allocator.Allocator, ent *entitler.Entitler, store storage.Store) {
	r.POST("/consumers/:id/entitlements", handlers.HandleConsumerBindPOST(alloc, ent))
	r.DELETE("/consumers/:id/entitlements", handlers.HandleConsumerEntitlementsDELETE(alloc))
	r.DELETE("/entitlements/:id", handlers.HandleEntitlementDELETE(alloc))
	r.GET("/crl", handlers.HandleCrlGET(store))
}
