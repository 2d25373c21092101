// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/kalambet/catchsync/sync"

// SyncMetrics holds the instruments for sync runs. A nil *SyncMetrics is a
// valid no-op.
type SyncMetrics struct {
	runDuration metric.Float64Histogram
	records     metric.Int64Counter
	coalesced   metric.Int64Counter
	queueDepth  metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"catchsync_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"catchsync_sync_records_total",
		metric.WithDescription("Records processed by sync runs, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	coalesced, err := meter.Int64Counter(
		"catchsync_sync_coalesced_total",
		metric.WithDescription("Sync requests dropped because a run was already active"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"catchsync_queue_depth",
		metric.WithDescription("Undelivered captures in the local queue"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration: runDuration,
		records:     records,
		coalesced:   coalesced,
		queueDepth:  queueDepth,
	}, nil
}

// RecordRun records a completed run. interrupted is true when the run
// stopped early on connectivity loss.
func (m *SyncMetrics) RecordRun(ctx context.Context, duration time.Duration, interrupted bool) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("interrupted", interrupted)))
}

// RecordOutcome counts one record by outcome: synced, transient or permanent.
func (m *SyncMetrics) RecordOutcome(ctx context.Context, outcome string) {
	if m == nil || m.records == nil {
		return
	}
	m.records.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SyncMetrics) RecordCoalesced(ctx context.Context) {
	if m == nil || m.coalesced == nil {
		return
	}
	m.coalesced.Add(ctx, 1)
}

func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}
