package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики конвейера. Регистрируются в DefaultRegisterer,
// /metrics отдаётся promhttp-хендлером в каждом сервисе.
var (
	// StageDispatches — опубликованные stage.dispatch.
	StageDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_stage_dispatches_total",
		Help: "Total number of stage dispatches published",
	})

	// StageCompletions — завершения стадий по статусу.
	StageCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_stage_completions_total",
		Help: "Total number of finished stage attempts by status",
	}, []string{"status"})

	// StageFailures — падения стадий по причине.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_stage_failures_total",
		Help: "Total number of failed stage attempts by reason",
	}, []string{"reason"})

	// StageRetries — перезапуски стадий супервизором.
	StageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_stage_retries_total",
		Help: "Total number of stage retries dispatched by the supervisor",
	})

	// StageTimeouts — принудительные таймауты супервизора.
	StageTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_stage_timeouts_total",
		Help: "Total number of stage attempts timed out by the supervisor",
	})

	// BackpressureRejections — отказы диспатча по backpressure.
	BackpressureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_backpressure_rejections_total",
		Help: "Total number of dispatches rejected by backpressure",
	})

	// BudgetRejections — отказы по бюджетному потолку.
	BudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_budget_rejections_total",
		Help: "Total number of stage attempts rejected or failed over budget",
	})

	// RateLimitRejections — отказы лимитера.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_ratelimit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter",
	})

	// InflightStages — стадии в полёте у оркестратора.
	InflightStages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_inflight_stages",
		Help: "Number of dispatched stages not yet completed",
	})
)
