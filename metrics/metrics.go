package metrics

import (
	"database/sql"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "lockngo_"

	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// FanoutStats is read at scrape time.
type FanoutStats interface {
	Count() int
	Stats() (published, stale, resyncs uint64)
}

var (
	registerOnce sync.Once

	transitionsTotal *prometheus.CounterVec
	rentRequests     *prometheus.CounterVec
	commandResults   *prometheus.CounterVec
	commandAttempts  *prometheus.HistogramVec
	alertsTotal      *prometheus.CounterVec
	lockdownActive   prometheus.Gauge
)

// Init registers the collectors once. db and hub may be nil.
func Init(db *sql.DB, hub FanoutStats, logger *log.Logger) {
	registerOnce.Do(func() {
		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "locker_transitions_total",
				Help: "Committed locker state transitions by source, target and trigger",
			},
			[]string{"from", "to", "trigger"},
		)
		rentRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rent_requests_total",
				Help: "Rent requests by result and reason",
			},
			[]string{"result", "reason"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Resolved device commands by kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		commandAttempts = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_attempts",
				Help:    "Publish attempts per resolved device command",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"kind"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operator_alerts_total",
				Help: "Operator alerts by trigger",
			},
			[]string{"trigger"},
		)
		lockdownActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "lockdown_active",
			Help: "1 while new rentals are suspended",
		})
		prometheus.MustRegister(
			transitionsTotal,
			rentRequests,
			commandResults,
			commandAttempts,
			alertsTotal,
			lockdownActive,
		)
		if hub != nil {
			registerFanoutMetrics(hub)
		}
		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerFanoutMetrics(hub FanoutStats) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricPrefix + "fanout_subscribers",
			Help: "Connected live-view subscribers",
		}, func() float64 { return float64(hub.Count()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricPrefix + "fanout_events_published_total",
			Help: "Events delivered to the fanout",
		}, func() float64 { p, _, _ := hub.Stats(); return float64(p) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricPrefix + "fanout_stale_events_total",
			Help: "Events dropped for carrying a non-increasing version",
		}, func() float64 { _, s, _ := hub.Stats(); return float64(s) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricPrefix + "fanout_resyncs_total",
			Help: "Lagging subscribers replaced by a fresh snapshot",
		}, func() float64 { _, _, r := hub.Stats(); return float64(r) }),
	)
}

// ObserveTransition counts one committed transition.
func ObserveTransition(from, to, trigger string) {
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(from, to, trigger).Inc()
	}
}

// ObserveRent counts a rent request outcome. reason is empty on acceptance.
func ObserveRent(result, reason string) {
	if reason == "" {
		reason = "none"
	}
	if rentRequests != nil {
		rentRequests.WithLabelValues(result, reason).Inc()
	}
}

// ObserveCommand records a resolved command.
func ObserveCommand(kind, outcome string, attempts int) {
	if commandResults != nil {
		commandResults.WithLabelValues(kind, outcome).Inc()
	}
	if commandAttempts != nil && attempts > 0 {
		commandAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

func IncAlert(trigger string) {
	if trigger == "" {
		trigger = "unknown"
	}
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(trigger).Inc()
	}
}

func SetLockdown(on bool) {
	if lockdownActive == nil {
		return
	}
	if on {
		lockdownActive.Set(1)
	} else {
		lockdownActive.Set(0)
	}
}
