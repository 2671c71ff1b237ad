package settlement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
)

func setupTestRouter(t *testing.T, s seed) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t, s)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware(identity.StaticResolver{
		"admin-token":  admin,
		"buyer-token":  buyer,
		"seller-token": seller,
	}))
	NewHandler(f.engine).RegisterRoutes(v1)
	return r, f
}

func do(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ReleaseRequiresAdmin(t *testing.T) {
	router, _ := setupTestRouter(t, seed{})

	w := do(router, "POST", "/v1/escrows/esc_1/release", "buyer-token", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = do(router, "POST", "/v1/escrows/esc_1/release", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestHandler_ReleaseAndGet(t *testing.T) {
	router, _ := setupTestRouter(t, seed{})

	w := do(router, "POST", "/v1/escrows/esc_1/release", "admin-token", ReleaseOptions{Note: "ok"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result struct {
			Payout      string `json:"payout"`
			FeeRetained string `json:"feeRetained"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Payout != "95.00" || resp.Result.FeeRetained != "5.00" {
		t.Errorf("unexpected result %+v", resp.Result)
	}

	w = do(router, "GET", "/v1/escrows/esc_1", "seller-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"status":"released"`)) {
		t.Errorf("expected released escrow, got %s", w.Body.String())
	}
}

func TestHandler_ErrorCodes(t *testing.T) {
	router, _ := setupTestRouter(t, seed{})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"unknown escrow", "GET", "/v1/escrows/esc_nope", "admin-token", nil, http.StatusNotFound, "not_found"},
		{"over release", "POST", "/v1/escrows/esc_1/release", "admin-token", ReleaseOptions{Amount: "500.00"}, http.StatusUnprocessableEntity, "amount_exceeds_held"},
		{"bad amount", "POST", "/v1/escrows/esc_1/refund", "admin-token", RefundOptions{Amount: "1.001"}, http.StatusBadRequest, "invalid_input"},
		{"seller confirms", "POST", "/v1/escrows/esc_1/confirm-delivery", "seller-token", ConfirmOptions{}, http.StatusForbidden, "access_denied"},
		{"bad status", "PUT", "/v1/escrows/esc_1/status", "admin-token", setStatusRequest{Status: "at_escrow"}, http.StatusConflict, "invalid_transition"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router, tc.method, tc.path, tc.token, tc.body)
			if w.Code != tc.status {
				t.Fatalf("Expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			var body map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] != tc.code {
				t.Errorf("error = %v, want %s", body["error"], tc.code)
			}
		})
	}
}

func TestHandler_ConfirmDelivery(t *testing.T) {
	router, f := setupTestRouter(t, seed{})

	w := do(router, "POST", "/v1/escrows/esc_1/confirm-delivery", "buyer-token", ConfirmOptions{Rating: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := f.balance(t, seller.ID); got != "95.00" {
		t.Errorf("seller balance = %s, want 95.00", got)
	}
}
