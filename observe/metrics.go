package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records synchronization metrics: refresh cycles, cache
// accesses and delivered alerts.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordRefresh records a refresh of the named resource with
	// duration and error status.
	RecordRefresh(ctx context.Context, resource string, duration time.Duration, err error)

	// RecordCacheAccess records a hit or miss against the named cache.
	RecordCacheAccess(ctx context.Context, cacheName string, hit bool)

	// RecordAlert records a delivered alert of the given type.
	RecordAlert(ctx context.Context, alertType string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	refreshCount    metric.Int64Counter
	refreshErrors   metric.Int64Counter
	refreshDuration metric.Float64Histogram
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	alertCount      metric.Int64Counter
}

// NewMetrics creates a Metrics instance recording through the meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	refreshCount, err := meter.Int64Counter(
		"sync.refresh.total",
		metric.WithDescription("Total number of resource refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	refreshErrors, err := meter.Int64Counter(
		"sync.refresh.errors",
		metric.WithDescription("Total number of failed resource refreshes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	refreshDuration, err := meter.Float64Histogram(
		"sync.refresh.duration_ms",
		metric.WithDescription("Resource refresh duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"sync.cache.hits",
		metric.WithDescription("Cache hits by cache name"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"sync.cache.misses",
		metric.WithDescription("Cache misses by cache name"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	alertCount, err := meter.Int64Counter(
		"sync.alerts.delivered",
		metric.WithDescription("Alerts delivered to the notification sink"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		refreshCount:    refreshCount,
		refreshErrors:   refreshErrors,
		refreshDuration: refreshDuration,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		alertCount:      alertCount,
	}, nil
}

// RecordRefresh records metrics for a single resource refresh.
func (m *metricsImpl) RecordRefresh(ctx context.Context, resource string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("sync.resource", resource))

	m.refreshCount.Add(ctx, 1, opt)
	if err != nil {
		m.refreshErrors.Add(ctx, 1, opt)
	}
	m.refreshDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

// RecordCacheAccess records a hit or miss for the named cache.
func (m *metricsImpl) RecordCacheAccess(ctx context.Context, cacheName string, hit bool) {
	opt := metric.WithAttributes(attribute.String("sync.cache", cacheName))
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
	} else {
		m.cacheMisses.Add(ctx, 1, opt)
	}
}

// RecordAlert records a delivered alert.
func (m *metricsImpl) RecordAlert(ctx context.Context, alertType string) {
	m.alertCount.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.alert_type", alertType)))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (noopMetrics) RecordRefresh(context.Context, string, time.Duration, error) {}
func (noopMetrics) RecordCacheAccess(context.Context, string, bool)             {}
func (noopMetrics) RecordAlert(context.Context, string)                         {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return noopMetrics{}
}
