package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	SyncItems         *prometheus.CounterVec
	VectorizeItems    *prometheus.CounterVec
	ConversationTurns *prometheus.CounterVec
	RequestCounter    *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		SyncItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewise_sync_items_total",
				Help: "Content records processed by sync runs",
			},
			[]string{"type", "outcome"},
		),
		VectorizeItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewise_vectorize_items_total",
				Help: "Content records embedded by index rebuilds",
			},
			[]string{"outcome"},
		),
		ConversationTurns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewise_conversation_turns_total",
				Help: "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(m.SyncItems, m.VectorizeItems, m.ConversationTurns, m.RequestCounter, m.RequestDuration)
	return m
}

func (m *Metrics) SyncItem(contentType, outcome string) {
	if m == nil {
		return
	}
	m.SyncItems.WithLabelValues(contentType, outcome).Inc()
}

func (m *Metrics) VectorizeItem(outcome string) {
	if m == nil {
		return
	}
	m.VectorizeItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConversationTurn(outcome string) {
	if m == nil {
		return
	}
	m.ConversationTurns.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
