package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/entkit/storage"
)

// HandleCrlGET serves the latest published CRL as DER.
func HandleCrlGET(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var der []byte
		err := store.WithTx(c.Request.Context(), func(tx storage.Tx) error {
			var err error
			der, err = tx.LatestCRL(c.Request.Context())
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_crl_published"})
			return
		}
		if err != nil {
			respondErr(c, err)
			return
		}
		c.Data(http.StatusOK, "application/pkix-crl", der)
	}
}
