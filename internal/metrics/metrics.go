// Package metrics exposes the poll scheduler's activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/internal/telemetry"
	"github.com/jgoulah/rtenergy/pkg/models"
)

const namespace = "rtenergy"

// Collector implements scheduler.Observer and scheduler.Sink. Every method is
// a handful of atomic updates, so it is safe to call from the scheduler loop.
type Collector struct {
	polls        *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	discarded    *prometheus.CounterVec
	inFlight     *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	connected    prometheus.Gauge
	transitions  prometheus.Counter
	lastSuccess  *prometheus.GaugeVec
	voltageRMS   prometheus.Gauge
	currentRMS   prometheus.Gauge
	powerRMS     prometheus.Gauge
	energyWh     prometheus.Gauge
	phaseAngle   prometheus.Gauge
	seriesPoints prometheus.Gauge
}

var (
	_ scheduler.Observer = (*Collector)(nil)
	_ scheduler.Sink     = (*Collector)(nil)
)

// New creates the collector and registers it with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Finished telemetry requests by category and result (ok, network, http, decode).",
		}, []string{"category", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_skipped_total",
			Help:      "Dispatches skipped because a request for the category was still in flight.",
		}, []string{"category"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_discarded_total",
			Help:      "Results dropped because a newer result had already been applied.",
		}, []string{"category"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_in_flight",
			Help:      "1 while a request for the category is outstanding.",
		}, []string{"category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time from issuing a request to its result reaching the scheduler.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11),
		}, []string{"category"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 if the device is believed reachable, 0 otherwise.",
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_changes_total",
			Help:      "Connected/disconnected transitions.",
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last applied value per category.",
		}, []string{"category"}),
		voltageRMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voltage_rms_volts",
			Help:      "Last RMS voltage.",
		}),
		currentRMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_rms_amperes",
			Help:      "Last RMS current.",
		}),
		powerRMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_watts",
			Help:      "Last active power.",
		}),
		energyWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_hour_watt_hours",
			Help:      "Energy over the last hour as reported by the device.",
		}),
		phaseAngle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_phase_angle_degrees",
			Help:      "Phase angle from the last load identification.",
		}),
		seriesPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_window_points",
			Help:      "Points in the current waveform window.",
		}),
	}

	// Optimistic like the estimator
	c.connected.Set(1)

	reg.MustRegister(
		c.polls, c.skipped, c.discarded, c.inFlight, c.duration,
		c.connected, c.transitions, c.lastSuccess,
		c.voltageRMS, c.currentRMS, c.powerRMS, c.energyWh, c.phaseAngle, c.seriesPoints,
	)
	return c
}

func (c *Collector) PollStarted(category models.Category) {
	c.inFlight.WithLabelValues(string(category)).Set(1)
}

func (c *Collector) PollSkipped(category models.Category) {
	c.skipped.WithLabelValues(string(category)).Inc()
}

func (c *Collector) PollFinished(category models.Category, elapsed time.Duration, err error) {
	c.inFlight.WithLabelValues(string(category)).Set(0)
	c.duration.WithLabelValues(string(category)).Observe(elapsed.Seconds())
	c.polls.WithLabelValues(string(category), resultLabel(err)).Inc()
}

func (c *Collector) PollAbandoned(category models.Category) {
	c.inFlight.WithLabelValues(string(category)).Set(0)
}

func (c *Collector) ResultDiscarded(category models.Category) {
	c.discarded.WithLabelValues(string(category)).Inc()
}

func (c *Collector) ConnectivityChanged(connected bool) {
	c.transitions.Inc()
	if connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

func (c *Collector) Name() string { return "prometheus" }

// Write mirrors the latest values into gauges
func (c *Collector) Write(u scheduler.Update) error {
	if u.Category == "" {
		return nil
	}

	snap := u.Snapshot
	if st := snap.StatusOf(u.Category); !st.UpdatedAt.IsZero() {
		c.lastSuccess.WithLabelValues(string(u.Category)).Set(float64(st.UpdatedAt.UnixNano()) / 1e9)
	}

	switch u.Category {
	case models.CategoryRMS:
		if snap.RMS != nil {
			c.voltageRMS.Set(snap.RMS.VoltageRMS)
			c.currentRMS.Set(snap.RMS.CurrentRMS)
			c.powerRMS.Set(snap.RMS.PowerRMS)
			c.energyWh.Set(snap.RMS.EnergyWh)
		}
	case models.CategoryClassification:
		if snap.Classification != nil {
			c.phaseAngle.Set(snap.Classification.PhaseAngle)
		}
	case models.CategorySeries:
		c.seriesPoints.Set(float64(len(snap.Series)))
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := telemetry.KindOf(err); kind != "" {
		return string(kind)
	}
	return "other"
}
