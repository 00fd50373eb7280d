// Package metrics holds the aggregation core of the export pipeline.
//
// Workers report [Sample] values in [RawReport] batches. The [Aggregator] merges
// them into the current [Window] owned by a [WindowManager], keyed by
// [AggregationKey] (metric name plus an unordered dimension set):
//
//	windows := metrics.NewWindowManager(metrics.WindowOptions{Interval: time.Minute})
//	agg := metrics.NewAggregator(windows, health, logger)
//
//	agg.Ingest(report)
//
//	// On each tick
//	closed, err := windows.Rotate()
//
//	// At test stop
//	last, err := windows.ForceDrain()
//
// # Windows
//
// Exactly one window is current. Rotate and ForceDrain swap it under the same
// mutex that guards merges, so a sample lands in exactly one window and never in
// a window that has already been handed out. After ForceDrain the manager refuses
// further merges and rotations until [WindowManager.Reset].
//
// # Statistics
//
// Each series keeps sum, count, min and max. Merging is commutative and
// associative, so the arrival order of reports across workers does not matter.
//
// # Health
//
// [Health] counts ingested, malformed and late samples, export outcomes per
// [DropReason], and backend submit latency percentiles (HDR histogram).
package metrics
