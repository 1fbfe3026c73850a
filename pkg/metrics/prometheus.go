package metrics

/* adapted from https://github.com/zsais/go-gin-prometheus
edits:
- zap-compatible logger interface
- explicit registerer instead of the global default
- metrics endpoint served by a caller-owned http.Server
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

var standardMetrics = []*Metric{reqCnt, reqDur, resSz}

const defaultMetricPath = "/metrics"

type Logger interface {
	Errorf(format string, v ...interface{})
}

// RequestCounterURLLabelMappingFn controls the cardinality of the "url"
// label, e.g. by returning the route template instead of the raw path.
type RequestCounterURLLabelMappingFn func(c *gin.Context) string

// Prometheus contains the HTTP metrics gathered by the middleware.
type Prometheus struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec
	resSz  *prometheus.SummaryVec

	MetricsPath             string
	ReqCntURLLabelMappingFn RequestCounterURLLabelMappingFn

	gatherer prometheus.Gatherer
	logger   Logger
}

type NewPrometheusOptions struct {
	Subsystem               string
	MetricsPath             string
	ReqCntURLLabelMappingFn RequestCounterURLLabelMappingFn
	Registry                *prometheus.Registry
	Logger                  Logger
}

// NewPrometheus registers the standard HTTP metrics on options.Registry.
func NewPrometheus(options NewPrometheusOptions) *Prometheus {
	p := &Prometheus{
		MetricsPath:             options.MetricsPath,
		ReqCntURLLabelMappingFn: options.ReqCntURLLabelMappingFn,
		gatherer:                options.Registry,
		logger:                  options.Logger,
	}
	if p.MetricsPath == "" {
		p.MetricsPath = defaultMetricPath
	}
	if p.ReqCntURLLabelMappingFn == nil {
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if fp := c.FullPath(); fp != "" {
				return fp
			}
			return "unmatched"
		}
	}

	for _, def := range standardMetrics {
		metric := NewMetric(def, options.Subsystem)
		if err := options.Registry.Register(metric); err != nil && p.logger != nil {
			p.logger.Errorf("%s could not be registered in Prometheus, err=%v", def.Name, err)
		}
		switch def {
		case reqCnt:
			p.reqCnt = metric.(*prometheus.CounterVec)
		case reqDur:
			p.reqDur = metric.(*prometheus.HistogramVec)
		case resSz:
			p.resSz = metric.(*prometheus.SummaryVec)
		}
	}
	return p
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
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
