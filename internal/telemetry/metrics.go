package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dmn_worker"

// Метрики воркера.
var (
	// TasksClaimed — захваченные tasks.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_claimed_total",
		Help:      "Tasks claimed from the queue.",
	})

	// TasksCompleted — успешно завершённые tasks.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Tasks completed with a decision result.",
	})

	// TasksFailed — упавшие tasks по классу ошибки (terminal, transient).
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_failed_total",
		Help:      "Tasks failed, by failure class.",
	}, []string{"class"})

	// TasksSkipped — повторные доставки уже завершённых tasks.
	TasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_skipped_total",
		Help:      "Redelivered tasks that were already resolved by this worker.",
	})

	// TasksInFlight — захваченные, но ещё не завершённые tasks.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Claimed tasks that have not reached a terminal state.",
	})

	// Reconnects — переоткрытия подписки после потери соединения.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Subscription re-opens after connectivity loss.",
	})

	// EvaluationDuration — время вычисления decision.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Decision evaluation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"decision"})
)
