package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xjog_transitions_total",
		Help: "Chart transitions applied, by machine.",
	}, []string{"machine"})

	transitionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xjog_transition_failures_total",
		Help: "Evaluator transitions that raised, by machine.",
	}, []string{"machine"})

	chartsAdoptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xjog_charts_adopted_total",
		Help: "Charts adopted from previous instances, by mode (gentle, forcible).",
	}, []string{"mode"})

	deferredDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xjog_deferred_events_delivered_total",
		Help: "Deferred events fired and delivered by this instance.",
	})

	journalRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xjog_journal_records_total",
		Help: "Journal entries recorded through the engine's journal hook.",
	})

	mutexTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xjog_mutex_timeouts_total",
		Help: "Timed mutex acquisitions that gave up; each one shuts the engine down.",
	})
)
