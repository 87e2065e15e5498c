package metrics

/* adapted from https://github.com/zsais/go-gin-prometheus
edits:
- registry is injected instead of the global one
- metrics are served by the caller's router
*/

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var reqCnt = &Metric{
	ID:          "reqCnt",
	Name:        "req_total",
	Description: "How many HTTP requests processed, partitioned by status code and HTTP method.",
	Type:        "counter_vec",
	Args:        []string{"code", "method", "url", "ref"},
}

var reqDur = &Metric{
	ID:          "reqDur",
	Name:        "req_dur_ms",
	Description: "The HTTP request latencies in milliseconds.",
	Type:        "histogram_vec",
	Args:        []string{"code", "method", "url", "ref"},
}

var resSz = &Metric{
	ID:          "resSz",
	Name:        "resp_sz_bytes",
	Description: "The HTTP response sizes in bytes.",
	Type:        "summary_vec",
	Args:        []string{"code", "method", "url", "ref"},
}

var defaultMetricPath = "/metrics"

// RequestCounterURLLabelMappingFn controls the cardinality of the "url" label,
// e.g. by mapping "/entities/abc" to its route template.
type RequestCounterURLLabelMappingFn func(c *gin.Context) string

// Prometheus records HTTP request metrics for a gin engine.
type Prometheus struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec
	resSz  *prometheus.SummaryVec

	MetricsPath             string
	ReqCntURLLabelMappingFn RequestCounterURLLabelMappingFn
}

type NewPrometheusOptions struct {
	Subsystem               string
	Registerer              prometheus.Registerer
	MetricsPath             string
	ReqCntURLLabelMappingFn RequestCounterURLLabelMappingFn
}

func NewPrometheus(options NewPrometheusOptions) *Prometheus {
	reg := options.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	subsystem := options.Subsystem
	if subsystem == "" {
		subsystem = "http"
	}
	c := register(reg, subsystem, reqCnt, reqDur, resSz)

	p := &Prometheus{
		reqCnt:                  c[reqCnt.ID].(*prometheus.CounterVec),
		reqDur:                  c[reqDur.ID].(*prometheus.HistogramVec),
		resSz:                   c[resSz.ID].(*prometheus.SummaryVec),
		MetricsPath:             options.MetricsPath,
		ReqCntURLLabelMappingFn: options.ReqCntURLLabelMappingFn,
	}
	if p.MetricsPath == "" {
		p.MetricsPath = defaultMetricPath
	}
	if p.ReqCntURLLabelMappingFn == nil {
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if fp := c.FullPath(); fp != "" {
				return fp
			}
			return c.Request.URL.Path
		}
	}
	return p
}

// HandlerFunc defines handler function for middleware
func (p *Prometheus) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == p.MetricsPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		url := p.ReqCntURLLabelMappingFn(c)
		ref := c.Request.Header.Get(RefererKey)

		p.reqDur.WithLabelValues(status, c.Request.Method, url, ref).Observe(MillisecondsSince(start))
		p.reqCnt.WithLabelValues(status, c.Request.Method, url, ref).Inc()
		p.resSz.WithLabelValues(status, c.Request.Method, url, ref).Observe(float64(c.Writer.Size()))
	}
}

// Handler exposes g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
