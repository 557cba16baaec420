// Package metrics exposes crawl counters and latencies to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/events"
)

// Metrics holds all Prometheus collectors of a crawl process
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	ReferencesProcessed *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	DelayWait           *prometheus.HistogramVec
	QueueLength         *prometheus.GaugeVec
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "politecrawler_events_total",
			Help: "Crawl events emitted, by crawler and event name.",
		}, []string{"crawler", "event"}),
		ReferencesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "politecrawler_references_processed_total",
			Help: "References that reached the processed stage, by terminal state.",
		}, []string{"crawler", "state"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "politecrawler_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"crawler", "stage"}),
		DelayWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "politecrawler_delay_wait_seconds",
			Help:    "Politeness delay actually slept before fetches.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"crawler"}),
		QueueLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "politecrawler_queue_length",
			Help: "Current number of references waiting in the queue.",
		}, []string{"crawler"}),
	}
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(crawler, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(crawler, stage).Observe(d.Seconds())
}

// ObserveDelay records a politeness wait
func (m *Metrics) ObserveDelay(crawler string, d time.Duration) {
	if m == nil {
		return
	}
	m.DelayWait.WithLabelValues(crawler).Observe(d.Seconds())
}

// SetQueueLength updates the queue gauge
func (m *Metrics) SetQueueLength(crawler string, n int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(crawler).Set(float64(n))
}

// IncProcessed counts a reference reaching a terminal state
func (m *Metrics) IncProcessed(crawler, state string) {
	if m == nil {
		return
	}
	m.ReferencesProcessed.WithLabelValues(crawler, state).Inc()
}

// EventCounter returns a sink counting events for one crawler
func (m *Metrics) EventCounter(crawler string) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if m == nil {
			return
		}
		m.EventsTotal.WithLabelValues(crawler, e.Name).Inc()
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics server shutdown: %v", err)
		}
	}()

	log.Infof("Serving metrics on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
