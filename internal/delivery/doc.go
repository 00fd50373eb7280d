// Package delivery moves closed-window batches to a backend.
//
// A Controller owns a bounded pending queue consumed by a single goroutine. Each batch
// ends in exactly one outcome: delivered, or dropped for a metrics.DropReason
// (permanent rejection, exhausted retries, queue overflow, or abandonment at shutdown).
// Outcomes are recorded in metrics.Health so the run can account for every sample.
package delivery
