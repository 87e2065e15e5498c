package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBilling_ObservePhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := NewBilling(reg)

	b.ObservePhase("dunning", "failed", 120*time.Millisecond, 2)
	b.ObservePhase("dunning", "skipped", 0, 0)
	b.ObserveDunningTransition("escalation", 2)

	require.Equal(t, 1.0, testutil.ToFloat64(b.phaseTotal.WithLabelValues("dunning", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(b.phaseTotal.WithLabelValues("dunning", "skipped")))
	require.Equal(t, 2.0, testutil.ToFloat64(b.entityErrors.WithLabelValues("dunning")))
	require.Equal(t, 1.0, testutil.ToFloat64(b.dunningTransitions.WithLabelValues("escalation", "2")))

	// a second instance on the same registry shares collectors
	again := NewBilling(reg)
	again.ObservePhase("dunning", "failed", time.Millisecond, 0)
	require.Equal(t, 2.0, testutil.ToFloat64(b.phaseTotal.WithLabelValues("dunning", "failed")))
}

func TestPrometheus_HandlerFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(NewPrometheusOptions{Registerer: reg})

	r := gin.New()
	r.Use(p.HandlerFunc())
	r.GET("/entities/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(Handler(reg)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entities/ptn_a", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(p.reqCnt.WithLabelValues("200", "GET", "/entities/:id", "")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, w.Body.String(), "http_req_total")
}
