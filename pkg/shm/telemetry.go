/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmem"

type telemetry struct {
	tracer      trace.Tracer
	allocs      metric.Int64Counter
	allocBytes  metric.Int64Counter
	allocErrors metric.Int64Counter
	frees       metric.Int64Counter
	arenaAttrs  [NumArenas]metric.AddOption
}

func newTelemetry(cfg *Config) *telemetry {
	t := &telemetry{tracer: cfg.Tracer}
	if t.tracer == nil {
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	t.allocs = counter(meter, "shmem.allocs", "Shared memory allocations.")
	t.allocBytes = counter(meter, "shmem.alloc.bytes", "Bytes requested from the pool.")
	t.allocErrors = counter(meter, "shmem.alloc.errors", "Failed shared memory allocations.")
	t.frees = counter(meter, "shmem.frees", "Shared memory frees.")
	for i := range t.arenaAttrs {
		t.arenaAttrs[i] = metric.WithAttributeSet(attribute.NewSet(attribute.String("arena", ArenaID(i).String())))
	}
	return t
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		internalLogger.warnf("counter %s: %v", name, err)
		c, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

func (t *telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *telemetry) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *telemetry) allocated(ctx context.Context, arena ArenaID, size uint64) {
	opt := t.arenaAttrs[arena]
	t.allocs.Add(ctx, 1, opt)
	t.allocBytes.Add(ctx, int64(size), opt)
}

func (t *telemetry) allocFailed(ctx context.Context, arena ArenaID) {
	if arena.Valid() {
		t.allocErrors.Add(ctx, 1, t.arenaAttrs[arena])
		return
	}
	t.allocErrors.Add(ctx, 1)
}

func (t *telemetry) freed(ctx context.Context) {
	t.frees.Add(ctx, 1)
}
