// Package metrics exposes server events as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/publix"
)

// Compile-time assertions that Collector serves every instrumented package.
var (
	_ dispatcher.Metrics = (*Collector)(nil)
	_ idcookie.Metrics   = (*Collector)(nil)
	_ publix.Metrics     = (*Collector)(nil)
)

// Collector implements the metrics interfaces of the dispatcher, idcookie
// and publix packages on top of Prometheus.
type Collector struct {
	dispatchers      *prometheus.GaugeVec
	members          *prometheus.GaugeVec
	messages         *prometheus.CounterVec
	slowConsumers    *prometheus.CounterVec
	sessionUpdates   *prometheus.CounterVec
	malformedCookies prometheus.Counter
	evictedCookies   prometheus.Counter
	studyRuns        *prometheus.CounterVec
	studyRunsEnded   *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewPrometheus creates a collector and registers its metrics.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace (defaults to "publix" if empty)
//
// Returns:
//   - *Collector: the registered collector
func NewPrometheus(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "publix"
	}

	c := &Collector{
		dispatchers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active",
			Help:      "Number of running dispatchers by kind (batch,group).",
		}, []string{"kind"}),
		members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "members",
			Help:      "Number of active channel members by kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_delivered_total",
			Help:      "Total frames handed to member channels by kind.",
		}, []string{"kind"}),
		slowConsumers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "slow_consumers_total",
			Help:      "Total members poisoned because their send buffer was full.",
		}, []string{"kind"}),
		sessionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "session_updates_total",
			Help:      "Total session update attempts by kind and result (accepted,rejected).",
		}, []string{"kind", "result"}),
		malformedCookies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idcookie",
			Name:      "malformed_total",
			Help:      "Total identity cookies dropped because they could not be decoded.",
		}),
		evictedCookies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idcookie",
			Name:      "evicted_total",
			Help:      "Total identity cookies discarded to make room for a new run.",
		}),
		studyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "study",
			Name:      "runs_started_total",
			Help:      "Total study runs started by worker type.",
		}, []string{"worker_type"}),
		studyRunsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "study",
			Name:      "runs_ended_total",
			Help:      "Total study runs ended by final state.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.dispatchers, c.members, c.messages, c.slowConsumers, c.sessionUpdates,
		c.malformedCookies, c.evictedCookies, c.studyRuns, c.studyRunsEnded,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// DispatcherStarted implements dispatcher.Metrics
func (c *Collector) DispatcherStarted(kind string) { c.dispatchers.WithLabelValues(kind).Inc() }

// DispatcherStopped implements dispatcher.Metrics
func (c *Collector) DispatcherStopped(kind string) { c.dispatchers.WithLabelValues(kind).Dec() }

// MembersChanged implements dispatcher.Metrics
func (c *Collector) MembersChanged(kind string, delta int) {
	c.members.WithLabelValues(kind).Add(float64(delta))
}

// MessageDelivered implements dispatcher.Metrics
func (c *Collector) MessageDelivered(kind string) { c.messages.WithLabelValues(kind).Inc() }

// SlowConsumer implements dispatcher.Metrics
func (c *Collector) SlowConsumer(kind string) { c.slowConsumers.WithLabelValues(kind).Inc() }

// SessionUpdated implements dispatcher.Metrics
func (c *Collector) SessionUpdated(kind string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.sessionUpdates.WithLabelValues(kind, result).Inc()
}

// MalformedCookie implements idcookie.Metrics
func (c *Collector) MalformedCookie() { c.malformedCookies.Inc() }

// CookieEvicted implements publix.Metrics
func (c *Collector) CookieEvicted() { c.evictedCookies.Inc() }

// StudyRunStarted implements publix.Metrics
func (c *Collector) StudyRunStarted(workerType string) {
	c.studyRuns.WithLabelValues(workerType).Inc()
}

// StudyRunEnded implements publix.Metrics
func (c *Collector) StudyRunEnded(state string) { c.studyRunsEnded.WithLabelValues(state).Inc() }

// Middleware records request counts and latency labelled by the chi route
// pattern, so ids in paths do not create new series.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
