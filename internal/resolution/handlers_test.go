package resolution

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := atEscrow(t)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware(identity.StaticResolver{
		"admin-token":  admin,
		"buyer-token":  buyer,
		"seller-token": seller,
	}))
	NewHandler(f.svc).RegisterRoutes(v1)
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

func TestHandler_DisputeFlow(t *testing.T) {
	router, f := setupTestRouter(t)

	w := do(router, "POST", "/v1/disputes", "buyer-token", gin.H{"orderId": orderID, "reason": "never arrived"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Dispute struct {
			ID string `json:"id"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.Dispute.ID == "" {
		t.Fatalf("decode dispute: %v %s", err, w.Body.String())
	}
	id := created.Dispute.ID

	w = do(router, "PUT", "/v1/disputes/"+id+"/resolve", "buyer-token", gin.H{"action": "refund"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for buyer resolve, got %d", w.Code)
	}

	w = do(router, "PUT", "/v1/disputes/"+id+"/review", "admin-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on review, got %d: %s", w.Code, w.Body.String())
	}

	w = do(router, "PUT", "/v1/disputes/"+id+"/resolve", "admin-token", gin.H{"action": "refund", "resolution": "carrier lost it"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on resolve, got %d: %s", w.Code, w.Body.String())
	}
	if got := f.balance(t, buyer.ID); got != "100.00" {
		t.Errorf("Expected buyer refunded to 100.00, got %s", got)
	}

	w = do(router, "GET", "/v1/disputes/"+id, "seller-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for seller get, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	for name, body := range map[string]gin.H{
		"missing order":  {"reason": "x"},
		"missing reason": {"orderId": orderID},
		"bad priority":   {"orderId": orderID, "reason": "x", "priority": "urgent"},
	} {
		t.Run(name, func(t *testing.T) {
			w := do(router, "POST", "/v1/disputes", "buyer-token", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	w := do(router, "PUT", "/v1/disputes/dsp_x/resolve", "admin-token", gin.H{"action": "split"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown action, got %d", w.Code)
	}
}
