package workflow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/batch"
	"github.com/linnemanlabs/quell/internal/dispatch"
	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/resilience"
	"github.com/linnemanlabs/quell/internal/snapcache"
)

type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	RejectsTotal     *prometheus.CounterVec
	TimeInState      *prometheus.HistogramVec
	AdvancesTotal    *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec
	RecoveriesTotal  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	BreakerTrips     *prometheus.CounterVec
	OutboundTotal    *prometheus.CounterVec
	OutboundDuration *prometheus.HistogramVec
	DispatchesTotal  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	BatchFlushes     *prometheus.CounterVec
	BatchSize        prometheus.Histogram
}

// NewMetrics creates workflow metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_transitions_total",
			Help: "Total workflow transitions by edge.",
		}, []string{"from", "to"}),
		RejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_transition_rejects_total",
			Help: "Total rejected transitions by reason.",
		}, []string{"reason"}),
		TimeInState: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quell_time_in_state_seconds",
			Help:    "Time spent in a state before leaving it.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~72h
		}, []string{"from"}),
		AdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_advances_total",
			Help: "Total inbound workflow events by outcome.",
		}, []string{"event", "outcome"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_approvals_total",
			Help: "Total approval decisions by reason.",
		}, []string{"reason"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_recoveries_total",
			Help: "Total timeout recoveries by action and outcome.",
		}, []string{"action", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quell_breaker_state",
			Help: "Circuit breaker state per collaborator (0 closed, 1 open, 2 half-open).",
		}, []string{"collaborator"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_breaker_transitions_total",
			Help: "Total circuit breaker state changes.",
		}, []string{"collaborator", "to"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_outbound_calls_total",
			Help: "Total outbound collaborator calls by outcome.",
		}, []string{"collaborator", "outcome"}),
		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quell_outbound_duration_seconds",
			Help:    "Duration of outbound collaborator calls, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"collaborator"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_dispatches_total",
			Help: "Total outbound dispatch requests by kind and outcome.",
		}, []string{"collaborator", "kind", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_cache_lookups_total",
			Help: "Snapshot cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		BatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_step_flushes_total",
			Help: "Total step-record batch flushes by outcome.",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quell_step_flush_size",
			Help:    "Number of step records per flush.",
			Buckets: prometheus.LinearBuckets(1, 8, 9), // 1 .. 65
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.RejectsTotal,
		m.TimeInState,
		m.AdvancesTotal,
		m.ApprovalsTotal,
		m.RecoveriesTotal,
		m.BreakerState,
		m.BreakerTrips,
		m.OutboundTotal,
		m.OutboundDuration,
		m.DispatchesTotal,
		m.CacheLookups,
		m.BatchFlushes,
		m.BatchSize,
	)

	return m
}

// EngineHooks returns hooks that record transition metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnTransition: func(from, to incident.State, secondsInState float64) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
			m.TimeInState.WithLabelValues(string(from)).Observe(secondsInState)
		},
		OnReject: func(reason string) {
			m.RejectsTotal.WithLabelValues(reason).Inc()
		},
	}
}

// ServiceHooks returns hooks that record inbound event outcomes.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnAdvance: func(event, outcome string) {
			m.AdvancesTotal.WithLabelValues(event, outcome).Inc()
		},
	}
}

// ApprovalHooks returns hooks that record approval decisions.
func (m *Metrics) ApprovalHooks() approval.Hooks {
	return approval.Hooks{
		OnDecision: func(_ bool, reason string) {
			m.ApprovalsTotal.WithLabelValues(reason).Inc()
		},
	}
}

// ResilienceHooks returns hooks that record breaker and call metrics.
func (m *Metrics) ResilienceHooks() resilience.Hooks {
	return resilience.Hooks{
		OnCall: func(collaborator, outcome string, seconds float64) {
			m.OutboundTotal.WithLabelValues(collaborator, outcome).Inc()
			m.OutboundDuration.WithLabelValues(collaborator).Observe(seconds)
		},
		OnBreakerChange: func(collaborator string, state resilience.BreakerState) {
			m.BreakerState.WithLabelValues(collaborator).Set(breakerStateValue(state))
			m.BreakerTrips.WithLabelValues(collaborator, string(state)).Inc()
		},
	}
}

// CacheHooks returns hooks that record snapshot cache hit rates.
func (m *Metrics) CacheHooks() snapcache.Hooks {
	return snapcache.Hooks{
		OnLookup: func(kind string, hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			m.CacheLookups.WithLabelValues(kind, result).Inc()
		},
	}
}

// BatchHooks returns hooks that record step-record flushes.
func (m *Metrics) BatchHooks() batch.Hooks {
	return batch.Hooks{
		OnFlush: func(size int, outcome string) {
			m.BatchFlushes.WithLabelValues(outcome).Inc()
			m.BatchSize.Observe(float64(size))
		},
	}
}

// DispatchHooks returns hooks that record outbound dispatch attempts.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnDispatch: func(collaborator, kind, outcome string) {
			m.DispatchesTotal.WithLabelValues(collaborator, kind, outcome).Inc()
		},
	}
}

// RecoveryHook returns the callback the scheduler reports recoveries on.
func (m *Metrics) RecoveryHook() func(action, outcome string) {
	return func(action, outcome string) {
		m.RecoveriesTotal.WithLabelValues(action, outcome).Inc()
	}
}

func breakerStateValue(s resilience.BreakerState) float64 {
	switch s {
	case resilience.BreakerOpen:
		return 1
	case resilience.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}
