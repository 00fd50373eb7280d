// Package pipeline assembles the aggregation and export components for one test run
// and drives them from harness lifecycle events.
//
// A Coordinator is created at startup on every process but only builds a Pipeline when
// a test starts on the master with exporting enabled. Reports are merged while the run
// is Running; a test stop drains the current window ahead of any queued periodic
// batches and waits for delivery up to the drain timeout before the run is Stopped.
package pipeline
