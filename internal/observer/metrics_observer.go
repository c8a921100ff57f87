package observer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver turns events into Prometheus metrics and keeps a small
// in-process summary
type MetricsObserver struct {
	eventsTotal      *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	activeSession    prometheus.Gauge

	mu                  sync.RWMutex
	completedAnalyses   int64
	failedAnalyses      int64
	totalProcessingTime time.Duration
}

// NewMetricsObserver creates the collectors and registers them with registry
func NewMetricsObserver(registry prometheus.Registerer) (*MetricsObserver, error) {
	o := &MetricsObserver{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fishlens",
				Name:      "events_total",
				Help:      "Total number of session and analysis events",
			},
			[]string{"event_type", "success"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fishlens",
				Name:      "analysis_duration_seconds",
				Help:      "Wall time of single-image analysis requests, measured by the client",
				// 100ms to ~100s
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"status"},
		),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fishlens",
			Name:      "session_authenticated",
			Help:      "1 while a principal is signed in",
		}),
	}

	for _, c := range []prometheus.Collector{o.eventsTotal, o.analysisDuration, o.activeSession} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent handles events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event Event) {
	success := "false"
	if event.Success {
		success = "true"
	}
	o.eventsTotal.WithLabelValues(string(event.EventType), success).Inc()

	switch event.EventType {
	case SignedIn, SessionRestored:
		o.activeSession.Set(1)
	case SignedOut:
		o.activeSession.Set(0)
	case AnalysisCompleted:
		o.analysisDuration.WithLabelValues("completed").Observe(event.Duration.Seconds())
		o.mu.Lock()
		o.completedAnalyses++
		o.totalProcessingTime += event.Duration
		o.mu.Unlock()
	case AnalysisFailed:
		o.analysisDuration.WithLabelValues("failed").Observe(event.Duration.Seconds())
		o.mu.Lock()
		o.failedAnalyses++
		o.mu.Unlock()
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current analysis totals
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.completedAnalyses > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.completedAnalyses)
	}

	return map[string]interface{}{
		"completed_analyses":    o.completedAnalyses,
		"failed_analyses":       o.failedAnalyses,
		"total_processing_time": o.totalProcessingTime,
		"avg_processing_time":   avgProcessingTime,
	}
}
