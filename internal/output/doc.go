// Package output renders the export summary printed when a run stops and the optional
// live status line.
package output
