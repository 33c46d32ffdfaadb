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

// Package tracing wraps the scheduler loop's submit/poll/finalize
// steps and the ingress handler in OpenTelemetry spans, off by
// default. There is no bespoke abstraction layer here — callers use
// the OTel SDK's own trace.Tracer/trace.Span types directly.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide TracerProvider for one scheduler
// run. A disabled Config yields a Provider whose Tracer returns a
// no-op tracer, so callers never need to branch on cfg.Enabled
// themselves.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider from cfg. With cfg.Enabled false, spans are
// never recorded or exported.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: trace.NewNoopTracerProvider().Tracer("cyclone")}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("cyclone")}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.OTLPEndpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
		}
		return exp, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: build OTLP exporter: %w", err)
	}
	return exp, nil
}

// Tracer returns the tracer spans should start from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and releases the exporter. A no-op (disabled)
// Provider has nothing to flush.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartJobSpan opens a span for one submit/poll/finalize step,
// tagging it with the proxy identity the rest of the scheduler uses
// in logs and events.
func StartJobSpan(ctx context.Context, tracer trace.Tracer, step, proxyName, cycle string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scheduler."+step, trace.WithAttributes(
		attribute.String("cyclone.proxy", proxyName),
		attribute.String("cyclone.cycle", cycle),
	))
}

// EndSpan records err (if any) onto span and closes it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
