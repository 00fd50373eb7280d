// Package harness connects the exporter to the load harness.
//
// The harness announces three events: a test start (with the process role), worker
// reports carrying metric samples, and a test stop. A Bus fans these out in-process to
// registered Listeners. Server receives worker reports over a websocket and feeds them
// into a Bus; Reporter is the worker side that batches samples and pushes them to the
// master.
//
// Report payloads are JSON objects with a "samples" array:
//
//	{"samples": [
//	  {"name": "response_time", "value": 12.5, "unit": "ms",
//	   "timestamp": 1714557600.25, "dimensions": {"name": "/login"}}
//	]}
package harness
