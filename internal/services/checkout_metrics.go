package services

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/checkout/internal/platform/fence"
)

const metricNamespace = "github.com/hanko-field/checkout/internal/services"

type engineMetrics struct {
	staleResults metric.Int64Counter
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	submits      metric.Int64Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *engineMetrics
)

func loadMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(metricNamespace)
		m := &engineMetrics{}
		m.staleResults, _ = meter.Int64Counter(
			"checkout.stale_results",
			metric.WithDescription("Responses discarded because a newer request was issued on the same channel"),
		)
		m.cacheHits, _ = meter.Int64Counter(
			"checkout.shipping_cache.hits",
			metric.WithDescription("Shipping option lookups served from the rate cache"),
		)
		m.cacheMisses, _ = meter.Int64Counter(
			"checkout.shipping_cache.misses",
			metric.WithDescription("Shipping option lookups that required a backend call"),
		)
		m.submits, _ = meter.Int64Counter(
			"checkout.submits",
			metric.WithDescription("Checkout submissions by outcome"),
		)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *engineMetrics) stale(ctx context.Context, channel fence.Channel) {
	if m == nil || m.staleResults == nil {
		return
	}
	m.staleResults.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(channel))))
}

func (m *engineMetrics) cacheHit(ctx context.Context) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

func (m *engineMetrics) cacheMiss(ctx context.Context) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

func (m *engineMetrics) submit(ctx context.Context, outcome string) {
	if m == nil || m.submits == nil {
		return
	}
	m.submits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
