// Package telemetry exposes pipeline activity as prometheus metrics on a private
// registry served at /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/pipeline"
)

const prefix = "crankexport_"

const (
	clientLabel  = "client_id"
	outcomeLabel = "outcome"
	stateLabel   = "state"
)

const outcomeExported = "exported"

// Collector implements pipeline.Observer and records what it sees as prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	reportsIngested *prometheus.CounterVec
	samplesIngested *prometheus.CounterVec
	reportsLate     prometheus.Counter
	batches         *prometheus.CounterVec
	batchSamples    *prometheus.CounterVec
	batchRetries    prometheus.Histogram
	state           *prometheus.GaugeVec
	allMetrics      []prometheus.Collector
}

func New() *Collector {
	reportsIngested := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "reports_ingested_total",
			Help: "Worker reports merged into the current window",
		},
		[]string{clientLabel},
	)
	samplesIngested := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "report_samples_total",
			Help: "Samples carried by merged worker reports, valid or not",
		},
		[]string{clientLabel},
	)
	reportsLate := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "reports_late_total",
			Help: "Worker reports discarded because the run was draining or stopped",
		},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "batches_total",
			Help: "Batches settled by delivery, by outcome",
		},
		[]string{outcomeLabel},
	)
	batchSamples := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "batch_samples_total",
			Help: "Samples summarized by settled batches, by outcome",
		},
		[]string{outcomeLabel},
	)
	batchRetries := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "batch_retries",
			Help:    "Retries spent on each settled batch",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		},
	)
	state := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "pipeline_state",
			Help: "1 for the current lifecycle state of the pipeline",
		},
		[]string{stateLabel},
	)

	c := &Collector{
		registry:        prometheus.NewRegistry(),
		reportsIngested: reportsIngested,
		samplesIngested: samplesIngested,
		reportsLate:     reportsLate,
		batches:         batches,
		batchSamples:    batchSamples,
		batchRetries:    batchRetries,
		state:           state,
		allMetrics: []prometheus.Collector{
			reportsIngested,
			samplesIngested,
			reportsLate,
			batches,
			batchSamples,
			batchRetries,
			state,
		},
	}
	c.registry.MustRegister(c.allMetrics...)
	c.StateChanged(pipeline.StateIdle)
	return c
}

// Registry returns the private registry, e.g. to add process collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ReportIngested(clientID string, samples int) {
	c.reportsIngested.WithLabelValues(clientID).Inc()
	c.samplesIngested.WithLabelValues(clientID).Add(float64(samples))
}

func (c *Collector) ReportLate(string, int) {
	c.reportsLate.Inc()
}

func (c *Collector) BatchSettled(res delivery.Result) {
	outcome := outcomeExported
	if !res.Delivered() {
		outcome = string(res.Reason)
	}
	c.batches.WithLabelValues(outcome).Inc()
	c.batchSamples.WithLabelValues(outcome).Add(float64(res.Batch.SampleCount()))
	c.batchRetries.Observe(float64(res.Retries))
}

func (c *Collector) StateChanged(state pipeline.State) {
	for _, s := range []pipeline.State{pipeline.StateIdle, pipeline.StateRunning, pipeline.StateDraining, pipeline.StateStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

var _ pipeline.Observer = (*Collector)(nil)
