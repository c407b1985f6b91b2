package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so two instances never collide on vector
// names. A nil *Metrics is a valid no-op sink: every instrument method
// checks the receiver, so callers wire instrumentation unconditionally.
type Metrics struct {
	registry       *prometheus.Registry
	namespace      string
	httpReqCnt     *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
	httpInfl       *prometheus.GaugeVec
	rpcReqCnt      *prometheus.CounterVec
	rpcReqDur      *prometheus.HistogramVec
	rpcReqInfl     *prometheus.GaugeVec
	connActive     prometheus.Gauge
	sessionActive  *prometheus.GaugeVec
	decryptFailCnt *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	// Register basic HTTP metrics
	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	rpcReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "rpc_requests_total"}, []string{"method", "status"})
	rpcReqDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "rpc_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "status"})
	rpcReqInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "rpc_requests_inflight"}, []string{"method"})
	r.MustRegister(rpcReqCnt, rpcReqDur, rpcReqInfl)

	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"})
	sessionActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "ratchet_sessions_active"}, []string{"backend"})
	decryptFailCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "decrypt_failures_total"}, []string{"reason"})
	r.MustRegister(connActive, sessionActive, decryptFailCnt)

	return &Metrics{
		registry:       r,
		namespace:      ns,
		httpReqCnt:     httpReqCnt,
		httpDur:        httpDur,
		httpInfl:       httpInfl,
		rpcReqCnt:      rpcReqCnt,
		rpcReqDur:      rpcReqDur,
		rpcReqInfl:     rpcReqInfl,
		connActive:     connActive,
		sessionActive:  sessionActive,
		decryptFailCnt: decryptFailCnt,
	}
}

func (m *Metrics) RPCStart(method string) {
	if m == nil {
		return
	}
	m.rpcReqInfl.WithLabelValues(method).Inc()
}

func (m *Metrics) RPCDone(method, status string, since time.Time) {
	if m == nil {
		return
	}
	m.rpcReqCnt.WithLabelValues(method, status).Inc()
	m.rpcReqDur.WithLabelValues(method, status).Observe(time.Since(since).Seconds())
	m.rpcReqInfl.WithLabelValues(method).Dec()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

func (m *Metrics) SessionEstablished(backend string) {
	if m == nil {
		return
	}
	m.sessionActive.WithLabelValues(backend).Inc()
}

func (m *Metrics) SessionRemoved(backend string) {
	if m == nil {
		return
	}
	m.sessionActive.WithLabelValues(backend).Dec()
}

// DecryptFailure counts an inbound frame dropped before it produced
// plaintext. The fail-open policy turns tampering into caller timeouts, so
// this counter is the place the signal stays visible.
func (m *Metrics) DecryptFailure(reason string) {
	if m == nil {
		return
	}
	m.decryptFailCnt.WithLabelValues(reason).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func httpStatus(code int) string { return strconv.Itoa(code) }
