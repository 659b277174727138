// Package metrics records agent outcomes with OpenTelemetry instruments and
// exposes them in Prometheus text format for the /-/metrics diagnostics route.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/any-hub/offline-hub"

// Recorder 持有计数器与对应的 Prometheus registry，所有方法可并发调用。
type Recorder struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	fetches  metric.Int64Counter
	precache metric.Int64Counter
	cleanups metric.Int64Counter
}

// New 创建独立的 registry 与 MeterProvider，避免多个实例（如测试）共享全局状态。
func New() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	fetches, err := meter.Int64Counter(
		"offline_hub.fetches",
		metric.WithDescription("Fetch events handled by the agent, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	precache, err := meter.Int64Counter(
		"offline_hub.precache",
		metric.WithDescription("Manifest entries processed during install, by result"),
		metric.WithUnit("{asset}"),
	)
	if err != nil {
		return nil, err
	}
	cleanups, err := meter.Int64Counter(
		"offline_hub.generations_deleted",
		metric.WithDescription("Stale cache generations removed during activate, by result"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		registry: registry,
		provider: provider,
		fetches:  fetches,
		precache: precache,
		cleanups: cleanups,
	}, nil
}

// RecordFetch 按结果（cache_hit/network/fallback/network_failed/passthrough）计数。
func (r *Recorder) RecordFetch(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPrecache 记录单个清单条目的预缓存结果。
func (r *Recorder) RecordPrecache(ctx context.Context, version string, stored bool) {
	if r == nil {
		return
	}
	result := "stored"
	if !stored {
		result = "failed"
	}
	r.precache.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("result", result),
	))
}

// RecordCleanup 记录单个旧缓存代的删除结果。
func (r *Recorder) RecordCleanup(ctx context.Context, generation string, err error) {
	if r == nil {
		return
	}
	result := "deleted"
	if err != nil {
		result = "failed"
	}
	r.cleanups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("generation", generation),
		attribute.String("result", result),
	))
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown 释放 MeterProvider。
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
