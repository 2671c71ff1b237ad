package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		402: "4xx",
		404: "4xx",
		503: "5xx",
		0:   "other",
		700: "other",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "safetrade_http_requests_in_flight")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return float64(m.GetHistogram().GetSampleCount())
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/orders/:id", func(c *gin.Context) {
		c.Set(ErrorCodeKey, "not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	reqs := requestsTotal.WithLabelValues("GET", "/orders/:id", "4xx").(prometheus.Metric)
	codes := rejectedTotal.WithLabelValues("not_found").(prometheus.Metric)
	sizes := responseBytes.WithLabelValues("/orders/:id").(prometheus.Metric)
	before := []float64{value(t, reqs), value(t, codes), value(t, sizes)}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_1", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, before[0]+1, value(t, reqs))
	assert.Equal(t, before[1]+1, value(t, codes))
	assert.Equal(t, before[2]+1, value(t, sizes))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	reqs := requestsTotal.WithLabelValues("GET", "unmatched", "4xx").(prometheus.Metric)
	before := value(t, reqs)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, before+1, value(t, reqs))
}

func TestRegisterDB_Twice(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/none?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RegisterDB(db))
	require.NoError(t, RegisterDB(db))
}
