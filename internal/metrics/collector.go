// Package metrics exposes Prometheus metrics for the prediction service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // outcome label: ok|download_error|decode_error|predict_error
	CycleDuration prometheus.Histogram

	Vehicles        prometheus.Gauge
	TripUpdates     prometheus.Gauge
	LastPublished   prometheus.Gauge
	HistoricAppends prometheus.Counter
	HistoricPruned  prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PollInterval prometheus.Gauge // seconds
	Strategy     *prometheus.GaugeVec
}

func NewCollector(strategy string, pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tup_refresh_cycles_total",
			Help: "Feed refresh cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tup_refresh_cycle_duration_seconds",
			Help:    "Duration of a full download, decode and predict cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		Vehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tup_vehicle_entities",
			Help: "Entities in the last decoded vehicle position feed.",
		}),
		TripUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tup_trip_updates",
			Help: "Trip updates in the published feed.",
		}),
		LastPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tup_last_publish_timestamp_seconds",
			Help: "Unix time of the last published feed.",
		}),
		HistoricAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tup_historic_appends_total",
			Help: "Observed arrival records appended to the historic store.",
		}),
		HistoricPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tup_historic_pruned_total",
			Help: "Historic records removed by retention.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tup_nats_published_total",
			Help: "Feeds published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tup_nats_publish_errors_total",
			Help: "Failed NATS publishes.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tup_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tup_poll_interval_seconds",
			Help: "Configured refresh interval in seconds.",
		}),
		Strategy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tup_strategy_info",
			Help: "Selected prediction strategy.",
		}, []string{"strategy"}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration,
		c.Vehicles, c.TripUpdates, c.LastPublished,
		c.HistoricAppends, c.HistoricPruned,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PollInterval, c.Strategy,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.Strategy.WithLabelValues(strategy).Set(1)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Refresh loop hooks

func (c *Collector) ObserveCycle(outcome string, d time.Duration) {
	c.Cycles.WithLabelValues(outcome).Inc()
	c.CycleDuration.Observe(d.Seconds())
}

func (c *Collector) SetFeedSize(vehicles, tripUpdates int) {
	c.Vehicles.Set(float64(vehicles))
	c.TripUpdates.Set(float64(tripUpdates))
	c.LastPublished.SetToCurrentTime()
}

func (c *Collector) HistoricPrunedAdd(n int64) { c.HistoricPruned.Add(float64(n)) }

// Historic store hook

func (c *Collector) HistoricAppendInc() { c.HistoricAppends.Inc() }

// Publisher hooks

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
