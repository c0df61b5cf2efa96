// Package treemetrics holds the OpenTelemetry instrument set emitted by the
// tree engine: operation counters/latencies and structure-modification
// counters.
package treemetrics

import (
	"go.opentelemetry.io/otel/metric"
)

// TreeMetrics holds all the metric instruments for a single Tree instance.
type TreeMetrics struct {
	OpsStartedCounter    metric.Int64Counter
	OpsCompletedCounter  metric.Int64Counter
	OpLatencyHistogram   metric.Int64Histogram
	SMOCounter           metric.Int64Counter // labeled by smo={split,merge,root_split,root_shrink}
	RetryCounter         metric.Int64Counter
	NodeCountUpDownGauge metric.Int64UpDownCounter
}

// New creates and registers all the metrics emitted by the tree engine.
func New(meter metric.Meter) (*TreeMetrics, error) {
	opsStarted, err := meter.Int64Counter(
		"cbtree.ops.started_total",
		metric.WithDescription("Total number of tree operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsCompleted, err := meter.Int64Counter(
		"cbtree.ops.completed_total",
		metric.WithDescription("Total number of tree operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Int64Histogram(
		"cbtree.ops.duration",
		metric.WithDescription("The latency of tree operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	smoCounter, err := meter.Int64Counter(
		"cbtree.smo.total",
		metric.WithDescription("Total number of structure-modification operations performed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"cbtree.smo.retries_total",
		metric.WithDescription("Total number of SMO retries caused by a concurrent, unfinished counterpart SMO."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeCount, err := meter.Int64UpDownCounter(
		"cbtree.nodes.live",
		metric.WithDescription("Current number of live (non-retired) nodes in the tree."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TreeMetrics{
		OpsStartedCounter:    opsStarted,
		OpsCompletedCounter:  opsCompleted,
		OpLatencyHistogram:   opLatency,
		SMOCounter:           smoCounter,
		RetryCounter:         retryCounter,
		NodeCountUpDownGauge: nodeCount,
	}, nil
}
