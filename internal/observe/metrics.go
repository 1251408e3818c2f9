// Package observe provides application-wide observability primitives for
// the MemForge memory core: OpenTelemetry metrics read through a Prometheus
// exporter ([InitProvider]). The exporter registers with the default
// Prometheus registerer; no /metrics HTTP route is served by this module.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all MemForge metrics.
const meterName = "github.com/memforge/core"

// Metrics holds all OpenTelemetry metric instruments the memory core
// records. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM completion latency (extraction, resolver
	// confirmation, intent classification, dedup signal).
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding call latency.
	EmbeddingDuration metric.Float64Histogram

	// ExtractionDuration tracks total combined-extractor latency, including
	// gleaning passes.
	ExtractionDuration metric.Float64Histogram

	// SearchDuration tracks hybrid search (lexical+vector+RRF) latency.
	SearchDuration metric.Float64Histogram

	// GraphQueryDuration tracks graph store query latency.
	GraphQueryDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// MemoriesWritten counts add_memories outcomes. Use with attribute:
	//   attribute.String("outcome", "stored"|"superseded"|"skipped"|"invalidated"|"touched"|"resolved")
	MemoriesWritten metric.Int64Counter

	// ExtractionsCompleted counts background extraction runs. Use with
	// attribute: attribute.String("status", "done"|"failed").
	ExtractionsCompleted metric.Int64Counter

	// EntitiesResolved counts resolver outcomes. Use with attribute:
	//   attribute.String("tier", "normalized"|"alias"|"semantic"|"created")
	EntitiesResolved metric.Int64Counter

	// SearchRequests counts search_memory calls. Use with attribute:
	//   attribute.String("mode", "search"|"browse")
	SearchRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveExtractions tracks in-flight background extraction tasks.
	ActiveExtractions metric.Int64UpDownCounter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns a process-wide [Metrics] instance backed by the
// global OTel meter provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on malformed descriptions, which
			// are fixed at compile time — fall back to a no-op provider
			// rather than panic in production code.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// NewMetrics creates a [Metrics] using instruments registered against mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.LLMDuration, err = meter.Float64Histogram("memforge.llm.duration",
		metric.WithDescription("LLM completion call latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.EmbeddingDuration, err = meter.Float64Histogram("memforge.embedding.duration",
		metric.WithDescription("Embedding call latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ExtractionDuration, err = meter.Float64Histogram("memforge.extraction.duration",
		metric.WithDescription("Combined entity+relationship extraction latency, including gleaning"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SearchDuration, err = meter.Float64Histogram("memforge.search.duration",
		metric.WithDescription("Hybrid search latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.GraphQueryDuration, err = meter.Float64Histogram("memforge.graph.query.duration",
		metric.WithDescription("Graph store query latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ProviderRequests, err = meter.Int64Counter("memforge.provider.requests",
		metric.WithDescription("Provider API calls")); err != nil {
		return nil, err
	}
	if m.ProviderErrors, err = meter.Int64Counter("memforge.provider.errors",
		metric.WithDescription("Provider API errors")); err != nil {
		return nil, err
	}
	if m.MemoriesWritten, err = meter.Int64Counter("memforge.memories.written",
		metric.WithDescription("add_memories outcomes by type")); err != nil {
		return nil, err
	}
	if m.ExtractionsCompleted, err = meter.Int64Counter("memforge.extractions.completed",
		metric.WithDescription("Background extraction runs by terminal status")); err != nil {
		return nil, err
	}
	if m.EntitiesResolved, err = meter.Int64Counter("memforge.entities.resolved",
		metric.WithDescription("Entity resolver outcomes by tier")); err != nil {
		return nil, err
	}
	if m.SearchRequests, err = meter.Int64Counter("memforge.search.requests",
		metric.WithDescription("search_memory calls by mode")); err != nil {
		return nil, err
	}
	if m.ActiveExtractions, err = meter.Int64UpDownCounter("memforge.extractions.active",
		metric.WithDescription("In-flight background extraction tasks")); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordProviderCall records a single provider invocation's outcome and
// latency in one call. status should be "ok" or "error".
func (m *Metrics) RecordProviderCall(ctx context.Context, kind, provider, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("provider", provider),
		))
	}
	switch kind {
	case "llm":
		m.LLMDuration.Record(ctx, seconds, attrs)
	case "embedding":
		m.EmbeddingDuration.Record(ctx, seconds, attrs)
	}
}
