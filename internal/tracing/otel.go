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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps an OpenTelemetry TracerProvider sized for one process:
// a resource identifying the service, a sampler derived from
// Config.Sampling, and whichever exporters Config.Exporters names.
// Workflow and activity spans (spec §4.F/§4.H) are started directly
// against the trace.Tracer this returns; there is no engine-specific
// span wrapper layer.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider from cfg. A cfg with no exporters still
// returns a working provider whose spans are simply never exported,
// matching Config.Enabled=false being the default (opt-in tracing).
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFromConfig(cfg.Sampling)),
	}, opts...)

	for _, exp := range cfg.Exporters {
		spanExporter, err := newSpanExporter(exp)
		if err != nil {
			return nil, fmt.Errorf("exporter %s: %w", exp.Type, err)
		}
		if spanExporter != nil {
			allOpts = append(allOpts, sdktrace.WithBatcher(spanExporter,
				sdktrace.WithMaxExportBatchSize(batchSizeOrDefault(cfg.BatchSize)),
				sdktrace.WithBatchTimeout(batchIntervalOrDefault(cfg.BatchInterval)),
			))
		}
	}

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// samplerFromConfig returns AlwaysSample when sampling is disabled
// (cfg.Enabled=false means "sample everything"), otherwise a ratio-based
// sampler, wrapped in ParentBased (child spans follow their parent's
// decision) when AlwaysSampleErrors is set. No sampler here looks at
// whether a span recorded an error.
func samplerFromConfig(cfg SamplingConfig) sdktrace.Sampler {
	if !cfg.Enabled {
		return sdktrace.AlwaysSample()
	}
	base := sdktrace.TraceIDRatioBased(cfg.Rate)
	if !cfg.AlwaysSampleErrors {
		return base
	}
	return sdktrace.ParentBased(base)
}

func newSpanExporter(cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "console", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter type %q (only \"console\" is wired)", cfg.Type)
	}
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return 512
	}
	return n
}

func batchIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Tracer returns a trace.Tracer scoped to the given instrumentation name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes any pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
