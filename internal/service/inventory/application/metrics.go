package application

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "inventory"

// Metrics 汇总预占引擎与清理任务的 Prometheus 指标
type Metrics struct {
	Reservations     *prometheus.CounterVec
	ReserveConflicts prometheus.Counter
	Transitions      *prometheus.CounterVec
	ReaperRuns       *prometheus.CounterVec
	ReaperReleased   prometheus.Counter
	ReaperDuration   prometheus.Histogram
}

// NewMetrics 创建并注册指标, reg 为 nil 时不注册 (测试用)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reservations_total",
			Help:      "Reserve calls by outcome.",
		}, []string{"outcome"}),
		ReserveConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reserve_conflicts_total",
			Help:      "Optimistic lock conflicts observed by Reserve, including retried ones.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reservation_transitions_total",
			Help:      "Reservations moved to a terminal status.",
		}, []string{"status"}),
		ReaperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reaper_runs_total",
			Help:      "Expired reservation sweeps by result.",
		}, []string{"result"}),
		ReaperReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reaper_released_total",
			Help:      "Reservations released by the expiry sweep.",
		}),
		ReaperDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reaper_run_duration_seconds",
			Help:      "Duration of expired reservation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Reservations, m.ReserveConflicts, m.Transitions,
			m.ReaperRuns, m.ReaperReleased, m.ReaperDuration,
		)
	}
	return m
}

const (
	outcomeReserved     = "reserved"
	outcomeInsufficient = "insufficient_stock"
	outcomeNotFound     = "not_found"
	outcomeConflict     = "conflict"
	outcomeError        = "error"
)
