package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the counters recorded per entity run.
type SyncMetrics struct {
	records       metric.Int64Counter
	apiCalls      metric.Int64Counter
	rateLimitHits metric.Int64Counter
	entityRuns    metric.Int64Counter
	duration      metric.Float64Histogram
}

func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	records, err := meter.Int64Counter(
		"ledgersync.records",
		metric.WithDescription("Staged records by write outcome"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return nil, err
	}

	apiCalls, err := meter.Int64Counter(
		"ledgersync.api.calls",
		metric.WithDescription("Outbound accounting API calls"),
		metric.WithUnit("{calls}"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitHits, err := meter.Int64Counter(
		"ledgersync.api.rate_limit_hits",
		metric.WithDescription("Rate-limited API responses"),
		metric.WithUnit("{responses}"),
	)
	if err != nil {
		return nil, err
	}

	entityRuns, err := meter.Int64Counter(
		"ledgersync.entity.runs",
		metric.WithDescription("Entity sync runs by final status"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"ledgersync.entity.duration",
		metric.WithDescription("Entity sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		records:       records,
		apiCalls:      apiCalls,
		rateLimitHits: rateLimitHits,
		entityRuns:    entityRuns,
		duration:      duration,
	}, nil
}

// EntityRun is the summary of one entity run as seen by metrics.
type EntityRun struct {
	Entity        string
	Status        string
	Inserted      int
	Updated       int
	Unchanged     int
	Failed        int
	APICalls      int
	RateLimitHits int
	Duration      time.Duration
}

func (m *SyncMetrics) RecordEntityRun(ctx context.Context, run EntityRun) {
	if m == nil {
		return
	}
	entity := attribute.String("entity", run.Entity)
	for outcome, n := range map[string]int{
		"inserted":  run.Inserted,
		"updated":   run.Updated,
		"unchanged": run.Unchanged,
		"failed":    run.Failed,
	} {
		if n > 0 {
			m.records.Add(ctx, int64(n), metric.WithAttributes(entity, attribute.String("outcome", outcome)))
		}
	}
	m.apiCalls.Add(ctx, int64(run.APICalls), metric.WithAttributes(entity))
	m.rateLimitHits.Add(ctx, int64(run.RateLimitHits), metric.WithAttributes(entity))
	m.entityRuns.Add(ctx, 1, metric.WithAttributes(entity, attribute.String("status", run.Status)))
	m.duration.Record(ctx, run.Duration.Seconds(), metric.WithAttributes(entity))
}
