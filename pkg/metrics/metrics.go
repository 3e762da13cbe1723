package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec

	connOpened  prometheus.Counter
	connClosed  *prometheus.CounterVec
	connByState *prometheus.GaugeVec
	backpressed prometheus.Counter

	deliveries   *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	broadcastDur *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec

	roomDenied *prometheus.CounterVec
	rooms      prometheus.Gauge

	instances prometheus.Gauge
	relays    *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:  r,
		namespace: ns,

		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),

		connOpened:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connections_opened_total"}),
		connClosed:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connections_closed_total"}, []string{"reason"}),
		connByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "connections"}, []string{"state"}),
		backpressed: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connection_backpressure_total"}),

		deliveries:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "deliveries_total"}, []string{"component", "outcome"}),
		broadcasts:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "broadcasts_total"}, []string{"mode", "outcome"}),
		broadcastDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "broadcast_duration_seconds", Buckets: buckets}, []string{"mode"}),
		rateLimited:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "rate_limited_total"}, []string{"scope"}),

		roomDenied: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_join_denied_total"}, []string{"reason"}),
		rooms:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "rooms"}),

		instances: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "cluster_instances"}),
		relays:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "cluster_relay_messages_total"}, []string{"direction", "kind"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur)
	r.MustRegister(m.connOpened, m.connClosed, m.connByState, m.backpressed)
	r.MustRegister(m.deliveries, m.broadcasts, m.broadcastDur, m.rateLimited)
	r.MustRegister(m.roomDenied, m.rooms, m.instances, m.relays)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connOpened.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connClosed.WithLabelValues(reason).Inc()
}

// SetConnectionStates replaces the per-state connection gauges
func (m *Metrics) SetConnectionStates(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.connByState.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressed.Inc()
}

// Delivery counts one push attempt onto an outbound queue
func (m *Metrics) Delivery(component, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(component, outcome).Inc()
}

func (m *Metrics) DeliveryN(component, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(component, outcome).Add(float64(n))
}

func (m *Metrics) BroadcastDone(mode, outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(mode, outcome).Inc()
	m.broadcastDur.WithLabelValues(mode).Observe(time.Since(since).Seconds())
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) RoomDenied(reason string) {
	if m == nil {
		return
	}
	m.roomDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) SetInstances(n int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(n))
}

// Relay counts cluster messages; direction is "out" or "in"
func (m *Metrics) Relay(direction, kind string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func routeFromURL(path string) string {
	if strings.HasPrefix(path, "/ws/") {
		return "/ws/:tenant"
	}
	return path
}
