// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsProvider owns the OpenTelemetry meter provider backing a
// MetricsCollector and the Prometheus registry it exports to.
type MetricsProvider struct {
	mp        *metric.MeterProvider
	registry  *promclient.Registry
	collector *MetricsCollector
}

// NewResource describes this process on exported telemetry.
func NewResource(serviceName, version string) (*resource.Resource, error) {
	// No schema URL, to avoid conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// NewMetricsProvider creates a meter provider with a Prometheus reader on a
// private registry, and a collector bound to it.
func NewMetricsProvider(serviceName, version string) (*MetricsProvider, error) {
	res, err := NewResource(serviceName, version)
	if err != nil {
		return nil, err
	}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	collector, err := NewMetricsCollector(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	return &MetricsProvider{mp: mp, registry: registry, collector: collector}, nil
}

// Collector returns the metrics collector.
func (p *MetricsProvider) Collector() *MetricsCollector {
	return p.collector
}

// Handler serves the Prometheus exposition format.
func (p *MetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Gatherer exposes the registry for tests and custom handlers.
func (p *MetricsProvider) Gatherer() promclient.Gatherer {
	return p.registry
}

// Shutdown flushes and stops the meter provider.
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
