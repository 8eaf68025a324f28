package license

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the lifecycle's OpenTelemetry instruments.
type Metrics struct {
	Activations       metric.Int64Counter
	SweepRuns         metric.Int64Counter
	SweptRecords      metric.Int64Counter
	SweepTriggerSkips metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	VerifyDuration    metric.Float64Histogram
}

// NewMetrics registers the lifecycle instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	activations, err := meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("License activation attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	sweepRuns, err := meter.Int64Counter(
		"license_sweep_runs_total",
		metric.WithDescription("Expiration sweep executions"),
	)
	if err != nil {
		return nil, err
	}

	sweptRecords, err := meter.Int64Counter(
		"license_swept_records_total",
		metric.WithDescription("Active records transitioned to expired by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	sweepSkips, err := meter.Int64Counter(
		"license_sweep_trigger_skips_total",
		metric.WithDescription("Sweep invocations skipped by the rate limit"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"license_verify_cache_hits_total",
		metric.WithDescription("Verifications served from the cache slot"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"license_verify_cache_misses_total",
		metric.WithDescription("Verifications requiring a live refresh"),
	)
	if err != nil {
		return nil, err
	}

	verifyDuration, err := meter.Float64Histogram(
		"license_verify_duration_seconds",
		metric.WithDescription("End-to-end verification duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Activations:       activations,
		SweepRuns:         sweepRuns,
		SweptRecords:      sweptRecords,
		SweepTriggerSkips: sweepSkips,
		CacheHits:         cacheHits,
		CacheMisses:       cacheMisses,
		VerifyDuration:    verifyDuration,
	}, nil
}
