package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects sweep and delivery counters. A nil *Metrics records nothing.
type Metrics struct {
	claimed    prometheus.Counter
	deliveries *prometheus.CounterVec
	sweep      prometheus.Histogram
	purged     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remind",
			Name:      "jobs_claimed_total",
			Help:      "Reminder jobs claimed by the sweep.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remind",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		sweep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "remind",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remind",
			Name:      "jobs_purged_total",
			Help:      "Terminal jobs removed by housekeeping.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.claimed, m.deliveries, m.sweep, m.purged)
	}
	return m
}

func (m *Metrics) observeClaimed(n int) {
	if m == nil {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) observeDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) observeSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweep.Observe(d.Seconds())
}

func (m *Metrics) observePurged(n int) {
	if m == nil {
		return
	}
	m.purged.Add(float64(n))
}
