package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safetrade/internal/autorelease"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/identity"
)

var (
	admin = identity.Caller{ID: "admin-1", Role: identity.RoleAdmin}
	buyer = identity.Caller{ID: "buyer-1", Role: identity.RoleBuyer}

	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeSweeper struct {
	calls int
	at    time.Time
	last  *autorelease.SweepReport
}

func (f *fakeSweeper) Sweep(_ context.Context, at time.Time) autorelease.SweepReport {
	f.calls++
	f.at = at
	r := autorelease.SweepReport{StartedAt: at, Candidates: 2, Released: 2}
	f.last = &r
	return r
}

func (f *fakeSweeper) LastReport() *autorelease.SweepReport { return f.last }

func seed(t *testing.T) *docstore.MemoryStore {
	t.Helper()
	store := docstore.NewMemoryStore(docstore.DefaultOptions())
	put := func(id string, status escrow.Status, age time.Duration) {
		err := store.Run(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
			return tx.Escrows().Create(ctx, &escrow.Escrow{
				ID: id, OrderID: "ord_" + id, BuyerID: "buyer-1", SellerID: "seller-1",
				Amount: "10.00", Status: status, CreatedAt: now.Add(-age), UpdatedAt: now.Add(-age),
			})
		})
		require.NoError(t, err)
	}
	put("esc_old_held", escrow.StatusHeld, 10*24*time.Hour)
	put("esc_old_disputed", escrow.StatusDisputed, 5*24*time.Hour)
	put("esc_fresh", escrow.StatusAtEscrow, time.Hour)
	put("esc_released", escrow.StatusReleased, 30*24*time.Hour)
	put("esc_pending", escrow.StatusPending, 30*24*time.Hour)
	return store
}

func TestInspector_ListStuck(t *testing.T) {
	in := NewInspector(seed(t)).WithClock(func() time.Time { return now })

	stuck, err := in.ListStuck(context.Background(), 72*time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, "esc_old_held", stuck[0].ID)
	assert.Equal(t, "esc_old_disputed", stuck[1].ID)
	assert.Equal(t, "240h0m0s", stuck[0].Idle)

	limited, err := in.ListStuck(context.Background(), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "esc_old_held", limited[0].ID)
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware(identity.StaticResolver{"admin-token": admin, "buyer-token": buyer}))
	h.RegisterRoutes(v1)
	return r
}

func do(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RequiresAdmin(t *testing.T) {
	r := newRouter(NewHandler().WithSweeper(&fakeSweeper{}))

	for _, path := range []string{"/v1/admin/autorelease", "/v1/admin/escrows/stuck"} {
		assert.Equal(t, http.StatusForbidden, do(r, "GET", path, "buyer-token").Code, path)
	}
	assert.Equal(t, http.StatusForbidden, do(r, "POST", "/v1/admin/autorelease/sweep", "buyer-token").Code)
}

func TestHandler_NotConfigured(t *testing.T) {
	r := newRouter(NewHandler())

	assert.Equal(t, http.StatusServiceUnavailable, do(r, "GET", "/v1/admin/autorelease", "admin-token").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, "POST", "/v1/admin/autorelease/sweep", "admin-token").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, "GET", "/v1/admin/escrows/stuck", "admin-token").Code)
}

func TestHandler_TriggerSweep(t *testing.T) {
	sw := &fakeSweeper{}
	r := newRouter(NewHandler().WithSweeper(sw).WithClock(func() time.Time { return now }))

	rec := do(r, "GET", "/v1/admin/autorelease", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"report":null}`, rec.Body.String())

	rec = do(r, "POST", "/v1/admin/autorelease/sweep", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sw.calls)
	assert.True(t, sw.at.Equal(now))

	var body struct {
		Report autorelease.SweepReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Report.Released)

	rec = do(r, "GET", "/v1/admin/autorelease", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Report.Candidates)
}

func TestHandler_ListStuck(t *testing.T) {
	in := NewInspector(seed(t)).WithClock(func() time.Time { return now })
	r := newRouter(NewHandler().WithInspector(in))

	rec := do(r, "GET", "/v1/admin/escrows/stuck?idle=168h", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Escrows []StuckEscrow `json:"escrows"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "esc_old_held", body.Escrows[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/v1/admin/escrows/stuck?idle=soon", "admin-token").Code)
}
