// Package metrics exposes install-pipeline counters over Prometheus via
// OpenTelemetry's metric SDK, adapted from the server's download/upload
// counters to the stages of a single install run.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters tracked across one craft invocation.
type Metrics struct {
	PackagesResolved  metric.Int64Counter
	PackagesFetched   metric.Int64Counter
	FetchedBytesTotal metric.Int64Counter
	CacheHitsTotal    metric.Int64Counter
	PackagesExtracted metric.Int64Counter
	PackagesLinked    metric.Int64Counter
}

// New registers every counter against a fresh Prometheus exporter and
// installs it as the global MeterProvider.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/craftpm/craft")

	if m.PackagesResolved, err = meter.Int64Counter("packages_resolved_total", metric.WithDescription("Total number of package versions resolved against the registry")); err != nil {
		return Metrics{}, fmt.Errorf("creating packages_resolved_total counter: %w", err)
	}
	if m.PackagesFetched, err = meter.Int64Counter("packages_fetched_total", metric.WithDescription("Total number of tarballs downloaded")); err != nil {
		return Metrics{}, fmt.Errorf("creating packages_fetched_total counter: %w", err)
	}
	if m.FetchedBytesTotal, err = meter.Int64Counter("fetched_bytes_total", metric.WithDescription("Total bytes downloaded from the registry")); err != nil {
		return Metrics{}, fmt.Errorf("creating fetched_bytes_total counter: %w", err)
	}
	if m.CacheHitsTotal, err = meter.Int64Counter("cache_hits_total", metric.WithDescription("Total number of tarballs served from the local cache instead of downloaded")); err != nil {
		return Metrics{}, fmt.Errorf("creating cache_hits_total counter: %w", err)
	}
	if m.PackagesExtracted, err = meter.Int64Counter("packages_extracted_total", metric.WithDescription("Total number of tarballs extracted")); err != nil {
		return Metrics{}, fmt.Errorf("creating packages_extracted_total counter: %w", err)
	}
	if m.PackagesLinked, err = meter.Int64Counter("packages_linked_total", metric.WithDescription("Total number of packages placed into node_modules")); err != nil {
		return Metrics{}, fmt.Errorf("creating packages_linked_total counter: %w", err)
	}

	return m, nil
}

// ListenAndServe serves the Prometheus "/metrics" endpoint on addr,
// blocking until the server exits or an error occurs.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementResolved(ctx context.Context, name string) {
	if m.PackagesResolved == nil {
		return
	}
	m.PackagesResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}

func (m Metrics) IncrementFetched(ctx context.Context, name string, bytes int64, cacheHit bool) {
	if cacheHit {
		if m.CacheHitsTotal != nil {
			m.CacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
		}
		return
	}
	if m.PackagesFetched == nil || m.FetchedBytesTotal == nil {
		return
	}
	m.PackagesFetched.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
	m.FetchedBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("name", name)))
}

func (m Metrics) IncrementExtracted(ctx context.Context, name string) {
	if m.PackagesExtracted == nil {
		return
	}
	m.PackagesExtracted.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}

func (m Metrics) IncrementLinked(ctx context.Context, name string) {
	if m.PackagesLinked == nil {
		return
	}
	m.PackagesLinked.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}
