package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the const labels applied to every metric.
type Config struct {
	ServiceName string
	Environment string
}

// MeteringMetrics captures metering and scheduler health signals.
type MeteringMetrics struct {
	cycles        *prometheus.CounterVec
	cycleFailures *prometheus.CounterVec
	chargedAmount prometheus.Counter
	billedHours   prometheus.Counter
	runs          prometheus.Counter
	runDuration   prometheus.Histogram
	runBacklog    prometheus.Gauge
}

var (
	meteringMetricsOnce sync.Once
	meteringMetrics     *MeteringMetrics
)

// Metering returns the singleton metering metrics registry.
func Metering() *MeteringMetrics {
	return MeteringWithConfig(Config{})
}

// MeteringWithConfig returns the singleton metering metrics registry using config labels.
func MeteringWithConfig(cfg Config) *MeteringMetrics {
	meteringMetricsOnce.Do(func() {
		meteringMetrics = newMeteringMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return meteringMetrics
}

// ResetMeteringMetricsForTest resets the metering metrics singleton for tests.
func ResetMeteringMetricsForTest() {
	meteringMetricsOnce = sync.Once{}
	meteringMetrics = nil
}

func newMeteringMetrics(registerer prometheus.Registerer, cfg Config) *MeteringMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "hourmeter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &MeteringMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "hourmeter_metering_cycles_total",
			Help:        "Metering cycle attempts by outcome status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		cycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "hourmeter_metering_cycle_failures_total",
			Help:        "Failed metering cycles by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		chargedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hourmeter_metering_charged_minor_units_total",
			Help:        "Total amount debited from wallets, in currency minor units.",
			ConstLabels: constLabels,
		}),
		billedHours: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hourmeter_metering_billed_hours_total",
			Help:        "Total whole hours billed.",
			ConstLabels: constLabels,
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hourmeter_scheduler_runs_total",
			Help:        "Billing scheduler runs.",
			ConstLabels: constLabels,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hourmeter_scheduler_run_duration_seconds",
			Help:        "Billing scheduler run latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}),
		runBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hourmeter_scheduler_run_candidates",
			Help:        "Billable instances considered by the last scheduler run.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.cycles,
		m.cycleFailures,
		m.chargedAmount,
		m.billedHours,
		m.runs,
		m.runDuration,
		m.runBacklog,
	)

	return m
}

// IncCycle counts a metering cycle attempt by outcome status.
func (m *MeteringMetrics) IncCycle(status string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
}

// IncCycleFailure counts a failed metering cycle by reason.
func (m *MeteringMetrics) IncCycleFailure(reason string) {
	if m == nil {
		return
	}
	m.cycleFailures.WithLabelValues(reason).Inc()
}

// AddCharged accumulates the debited amount and billed hours.
func (m *MeteringMetrics) AddCharged(amount, hours int64) {
	if m == nil {
		return
	}
	if amount > 0 {
		m.chargedAmount.Add(float64(amount))
	}
	if hours > 0 {
		m.billedHours.Add(float64(hours))
	}
}

// ObserveRun records one scheduler run.
func (m *MeteringMetrics) ObserveRun(duration time.Duration, candidates int) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(duration.Seconds())
	m.runBacklog.Set(float64(candidates))
}
