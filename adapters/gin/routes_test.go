package ginadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/open-rails/entkit/storage"
	entkittest "github.com/open-rails/entkit/testing"
)

func newTestRouter(t *testing.T) (*gin.Engine, *entkittest.Fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fx, err := entkittest.New()
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	Register(r, fx.Allocator, fx.Entitler, fx.Store)
	return r, fx
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBindEndpoint(t *testing.T) {
	r, fx := newTestRouter(t)
	owner := fx.CreateOwner("acme")
	consumer := fx.CreateConsumer(owner.ID, "web-01")
	pool := fx.CreatePool(owner.ID, "prod-basic", 5)

	w := doJSON(r, http.MethodPost, "/consumers/"+consumer.ID.String()+"/entitlements",
		map[string]any{"pools": map[string]int64{pool.ID.String(): 1}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Entitlements []string `json:"entitlements"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entitlements) != 1 {
		t.Errorf("entitlements = %v", resp.Entitlements)
	}
}

func TestBindEndpointPoolUnavailable(t *testing.T) {
	r, fx := newTestRouter(t)
	owner := fx.CreateOwner("acme")
	consumer := fx.CreateConsumer(owner.ID, "web-01")
	pool := fx.CreatePool(owner.ID, "prod-basic", 1)

	body := map[string]any{"pools": map[string]int64{pool.ID.String(): 1}}
	if w := doJSON(r, http.MethodPost, "/consumers/"+consumer.ID.String()+"/entitlements", body); w.Code != http.StatusOK {
		t.Fatalf("setup bind status = %d", w.Code)
	}

	other := fx.CreateConsumer(owner.ID, "web-02")
	w := doJSON(r, http.MethodPost, "/consumers/"+other.ID.String()+"/entitlements", body)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409; body = %s", w.Code, w.Body.String())
	}
}

func TestBindEndpointBadRequests(t *testing.T) {
	r, fx := newTestRouter(t)
	owner := fx.CreateOwner("acme")
	consumer := fx.CreateConsumer(owner.ID, "web-01")

	cases := []struct {
		name string
		path string
		body any
	}{
		{"bad consumer id", "/consumers/not-a-uuid/entitlements", map[string]any{"pools": map[string]int64{}}},
		{"empty request", "/consumers/" + consumer.ID.String() + "/entitlements", map[string]any{}},
		{"zero quantity", "/consumers/" + consumer.ID.String() + "/entitlements",
			map[string]any{"pools": map[string]int64{uuid.New().String(): 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := doJSON(r, http.MethodPost, tc.path, tc.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestRevokeEndpoints(t *testing.T) {
	r, fx := newTestRouter(t)
	owner := fx.CreateOwner("acme")
	consumer := fx.CreateConsumer(owner.ID, "web-01")
	pool := fx.CreatePool(owner.ID, "prod-basic", 5)

	ents, err := fx.Allocator.Bind(context.Background(), consumer.ID, map[uuid.UUID]int64{pool.ID: 2})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(r, http.MethodDelete, "/entitlements/"+ents[0].ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}

	// Gone now.
	if w := doJSON(r, http.MethodDelete, "/entitlements/"+ents[0].ID.String(), nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}

	if _, err := fx.Allocator.Bind(context.Background(), consumer.ID, map[uuid.UUID]int64{pool.ID: 1}); err != nil {
		t.Fatal(err)
	}
	w = doJSON(r, http.MethodDelete, "/consumers/"+consumer.ID.String()+"/entitlements", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk delete status = %d", w.Code)
	}
	var resp struct {
		Revoked int `json:"revoked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Revoked != 1 {
		t.Errorf("revoked = %d, want 1", resp.Revoked)
	}
}

func TestCrlEndpoint(t *testing.T) {
	r, fx := newTestRouter(t)

	if w := doJSON(r, http.MethodGet, "/crl", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status before publish = %d, want 404", w.Code)
	}

	der, err := fx.Generator.Regenerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Regenerate stores the artifact; sanity-check the store agrees.
	err = fx.Store.WithTx(context.Background(), func(tx storage.Tx) error {
		stored, err := tx.LatestCRL(context.Background())
		if err != nil {
			return err
		}
		if !bytes.Equal(stored, der) {
			return fmt.Errorf("stored crl differs from returned artifact")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(r, http.MethodGet, "/crl", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pkix-crl" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), der) {
		t.Error("served crl differs from published artifact")
	}
}
