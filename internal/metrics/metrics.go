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

// Package metrics exposes the internal health counters over OpenTelemetry
// with a Prometheus exporter, plus a cheap snapshot for the status
// endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Collector records the proxy's internal counters. All methods are safe
// for concurrent use and never block.
type Collector struct {
	mp       *sdkmetric.MeterProvider
	registry *promclient.Registry

	eventsRecorded   metric.Int64Counter
	tokensTotal      metric.Int64Counter
	sinkDropped      metric.Int64Counter
	sinkFailed       metric.Int64Counter
	extractDegraded  metric.Int64Counter
	streamSkipped    metric.Int64Counter
	flowsPassthrough metric.Int64Counter

	// Atomic mirrors for the status endpoint.
	snap struct {
		eventsRecorded   atomic.Int64
		sinkDropped      atomic.Int64
		sinkFailed       atomic.Int64
		extractDegraded  atomic.Int64
		streamSkipped    atomic.Int64
		flowsPassthrough atomic.Int64
		queueDepth       atomic.Int64
	}
}

// Snapshot is the counter state reported by the status endpoint.
type Snapshot struct {
	EventsRecorded   int64 `json:"events_recorded"`
	SinkDropped      int64 `json:"sink_dropped"`
	SinkFailed       int64 `json:"sink_failed"`
	ExtractDegraded  int64 `json:"extract_degraded"`
	StreamSkipped    int64 `json:"stream_skipped"`
	FlowsPassthrough int64 `json:"flows_passthrough"`
	QueueDepth       int64 `json:"queue_depth"`
}

// New builds the meter provider with a Prometheus reader and registers
// every instrument.
func New(serviceName, version string) (*Collector, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	c := &Collector{mp: mp, registry: registry}
	meter := mp.Meter("tokentap")

	c.eventsRecorded, err = meter.Int64Counter(
		"tokentap_events_recorded_total",
		metric.WithDescription("Events accepted by the sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.tokensTotal, err = meter.Int64Counter(
		"tokentap_tokens_total",
		metric.WithDescription("Tokens observed across recorded events"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	c.sinkDropped, err = meter.Int64Counter(
		"tokentap_sink_dropped_total",
		metric.WithDescription("Events dropped because the sink queue was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.sinkFailed, err = meter.Int64Counter(
		"tokentap_sink_failed_total",
		metric.WithDescription("Events discarded after exhausting store retries"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.extractDegraded, err = meter.Int64Counter(
		"tokentap_extract_degraded_total",
		metric.WithDescription("Flows whose extraction fell back to the legacy routine"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	c.streamSkipped, err = meter.Int64Counter(
		"tokentap_stream_skipped_total",
		metric.WithDescription("Malformed stream frames skipped"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	c.flowsPassthrough, err = meter.Int64Counter(
		"tokentap_flows_passthrough_total",
		metric.WithDescription("Flows forwarded without capture"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"tokentap_sink_queue_depth",
		metric.WithDescription("Events waiting in the sink queue"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.snap.queueDepth.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordEvent counts one persisted event and its token figures.
func (c *Collector) RecordEvent(ctx context.Context, providerID, model string, inputTokens, outputTokens int64) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", providerID),
		attribute.String("model", model),
	}
	c.eventsRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.snap.eventsRecorded.Add(1)

	if inputTokens > 0 {
		c.tokensTotal.Add(ctx, inputTokens,
			metric.WithAttributes(append(attrs, attribute.String("type", "input"))...))
	}
	if outputTokens > 0 {
		c.tokensTotal.Add(ctx, outputTokens,
			metric.WithAttributes(append(attrs, attribute.String("type", "output"))...))
	}
}

// RecordSinkDropped counts an event lost to a full queue.
func (c *Collector) RecordSinkDropped(ctx context.Context) {
	c.sinkDropped.Add(ctx, 1)
	c.snap.sinkDropped.Add(1)
}

// RecordSinkFailed counts an event discarded after final write failure.
func (c *Collector) RecordSinkFailed(ctx context.Context) {
	c.sinkFailed.Add(ctx, 1)
	c.snap.sinkFailed.Add(1)
}

// RecordExtractDegraded counts a legacy-fallback extraction.
func (c *Collector) RecordExtractDegraded(ctx context.Context, providerID string) {
	c.extractDegraded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", providerID)))
	c.snap.extractDegraded.Add(1)
}

// RecordStreamSkipped counts malformed stream frames.
func (c *Collector) RecordStreamSkipped(ctx context.Context, providerID string, frames int64) {
	if frames <= 0 {
		return
	}
	c.streamSkipped.Add(ctx, frames,
		metric.WithAttributes(attribute.String("provider", providerID)))
	c.snap.streamSkipped.Add(frames)
}

// RecordPassthrough counts a flow forwarded without capture.
func (c *Collector) RecordPassthrough(ctx context.Context) {
	c.flowsPassthrough.Add(ctx, 1)
	c.snap.flowsPassthrough.Add(1)
}

// SetQueueDepth publishes the sink queue depth gauge.
func (c *Collector) SetQueueDepth(depth int64) {
	c.snap.queueDepth.Store(depth)
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EventsRecorded:   c.snap.eventsRecorded.Load(),
		SinkDropped:      c.snap.sinkDropped.Load(),
		SinkFailed:       c.snap.sinkFailed.Load(),
		ExtractDegraded:  c.snap.extractDegraded.Load(),
		StreamSkipped:    c.snap.streamSkipped.Load(),
		FlowsPassthrough: c.snap.flowsPassthrough.Load(),
		QueueDepth:       c.snap.queueDepth.Load(),
	}
}

// Handler exposes the Prometheus scrape endpoint for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending metric state.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.mp.Shutdown(ctx)
}
