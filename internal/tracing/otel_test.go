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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_BasicSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := NewProvider(Config{
		ServiceName:    "flowengine-test",
		ServiceVersion: "1.0.0",
	}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("test")

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")
	span.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "test-operation", spans[0].Name)
}

func TestNewProvider_NestedSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := NewProvider(Config{ServiceName: "flowengine-test"}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("test")
	ctx := context.Background()

	ctx, parent := tracer.Start(ctx, "parent")
	_, child := tracer.Start(ctx, "child")
	child.End()
	parent.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	var parentSpan, childSpan tracetest.SpanStub
	for _, s := range spans {
		if s.Name == "parent" {
			parentSpan = s
		} else {
			childSpan = s
		}
	}
	assert.Equal(t, parentSpan.SpanContext.SpanID(), childSpan.Parent.SpanID())
}

func TestNewProvider_RecordError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := NewProvider(Config{ServiceName: "flowengine-test"}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("test")
	_, span := tracer.Start(context.Background(), "failing-op")
	span.RecordError(assert.AnError)
	span.End()

	require.NoError(t, provider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.NotEmpty(t, spans[0].Events)
}

func TestSamplerFromConfig_DisabledSamplesAll(t *testing.T) {
	s := samplerFromConfig(SamplingConfig{Enabled: false})
	assert.Equal(t, "AlwaysOnSampler", s.Description())
}

func TestSamplerFromConfig_RatioBased(t *testing.T) {
	s := samplerFromConfig(SamplingConfig{Enabled: true, Rate: 0.5})
	assert.Contains(t, s.Description(), "TraceIDRatioBased")
}

func TestSamplerFromConfig_AlwaysSampleErrors(t *testing.T) {
	s := samplerFromConfig(SamplingConfig{Enabled: true, Rate: 0.1, AlwaysSampleErrors: true})
	assert.Contains(t, s.Description(), "ParentBased")
}

func TestNewSpanExporter_UnsupportedType(t *testing.T) {
	_, err := newSpanExporter(ExporterConfig{Type: "otlp-grpc"})
	require.Error(t, err)
}

func TestNewSpanExporter_Console(t *testing.T) {
	exp, err := newSpanExporter(ExporterConfig{Type: "console"})
	require.NoError(t, err)
	assert.NotNil(t, exp)
}
