// Package backend implements the metric stores a delivery.Controller submits batches to.
//
// Each backend classifies its failures for the controller: overload, timeouts and
// server-side errors are wrapped with delivery.Throttled, rejected requests with
// delivery.Permanent.
//
//	b, err := backend.New(ctx, cfg, opts)
//	if err != nil {
//		return err
//	}
//	err = b.Submit(ctx, batch)
//
// Available backends:
//   - cloudwatch: PutMetricData with statistic sets, one datum per aggregated series
//   - http: JSON POST of the batch to a collector endpoint
//   - stdout: one JSON line per batch, for local runs and piping
package backend
