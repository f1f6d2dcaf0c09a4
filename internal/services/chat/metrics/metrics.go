// Package metrics exports chat activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
)

// Metrics holds the chat collectors. It satisfies the gateway observer.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen     prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	JoinFailures        *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	MessagesPersisted   prometheus.Counter
	Deliveries          prometheus.Counter
	DroppedDeliveries   prometheus.Counter
	RateLimitHits       prometheus.Counter
	HistoryRequests     *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wayfarer_chat_connections_open",
			Help: "Push connections currently registered",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wayfarer_chat_connections_total",
			Help: "Push connections accepted",
		}),
		JoinFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wayfarer_chat_join_failures_total",
			Help: "Rejected room joins",
		}, []string{"code"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wayfarer_chat_send_failures_total",
			Help: "Rejected message sends",
		}, []string{"code"}),
		MessagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wayfarer_chat_messages_persisted_total",
			Help: "Messages durably appended",
		}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "wayfarer_chat_deliveries_total",
			Help: "Messages delivered to subscribers",
		}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "wayfarer_chat_dropped_deliveries_total",
			Help: "Deliveries refused by slow consumers",
		}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "wayfarer_chat_rate_limit_hits_total",
			Help: "Frames rejected by the per-connection rate limit",
		}),
		HistoryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wayfarer_chat_history_requests_total",
			Help: "History endpoint requests",
		}, []string{"status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayfarer_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	m.ConnectionsOpen.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.ConnectionsOpen.Dec()
}

func (m *Metrics) JoinFailed(code apperrors.Code) {
	m.JoinFailures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) SendFailed(code apperrors.Code) {
	m.SendFailures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) MessagePersisted() {
	m.MessagesPersisted.Inc()
}

func (m *Metrics) Delivered(n int) {
	m.Deliveries.Add(float64(n))
}

func (m *Metrics) DeliveryDropped() {
	m.DroppedDeliveries.Inc()
}

func (m *Metrics) RateLimited() {
	m.RateLimitHits.Inc()
}

// ObserveHistory counts a history response by HTTP status.
func (m *Metrics) ObserveHistory(status int) {
	m.HistoryRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Instrument times every request to next under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	observer := m.HTTPRequestDuration.WithLabelValues(route)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		observer.Observe(time.Since(start).Seconds())
	})
}
