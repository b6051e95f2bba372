package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed
//	          (или) → cancelled (из pending или running)
type RunStatus string

const (
	// RunStatusPending — run создан, но ещё не запущен.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted — все стадии completed или skipped.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed — хотя бы одна стадия failed после исчерпания retry.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus — статус выполнения стадии.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed → pending (только через явный retry)
//	pending/failed → skipped (только явным решением оператора)
type StageStatus string

const (
	// StageStatusPending — стадия ожидает диспатча.
	StageStatusPending StageStatus = "pending"

	// StageStatusRunning — стадия выполняется воркером.
	// На пару (run, name) одновременно может быть только одна живая попытка.
	StageStatusRunning StageStatus = "running"

	// StageStatusCompleted — стадия успешно завершена.
	StageStatusCompleted StageStatus = "completed"

	// StageStatusFailed — стадия завершилась ошибкой.
	StageStatusFailed StageStatus = "failed"

	// StageStatusSkipped — стадия явно пропущена оператором
	// после падения более ранней стадии. Никогда не достигается неявно.
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal возвращает true, если статус финальный.
// failed не финальный в строгом смысле — допускает retry.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// allowedStageTransitions — разрешённые рёбра state machine стадий.
// Любой переход вне этой таблицы отклоняется compare-and-swap'ом
// без изменения состояния.
var allowedStageTransitions = map[StageStatus]map[StageStatus]bool{
	StageStatusPending: {
		StageStatusRunning: true,
		StageStatusSkipped: true,
	},
	StageStatusRunning: {
		StageStatusCompleted: true,
		StageStatusFailed:    true,
		StageStatusSkipped:   true,
	},
	StageStatusFailed: {
		StageStatusPending: true, // только через явный retry
		StageStatusSkipped: true,
	},
	StageStatusCompleted: {},
	StageStatusSkipped:   {},
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to StageStatus) bool {
	return allowedStageTransitions[from][to]
}

// FailureReason — типизированная причина падения стадии.
type FailureReason string

const (
	// ReasonTimeout — стадия превысила soft timeout. Retryable.
	ReasonTimeout FailureReason = "timeout"

	// ReasonExecutorError — executor сообщил об ошибке.
	// Transient-подвид retryable, non-transient — фатален.
	ReasonExecutorError FailureReason = "executor_error"

	// ReasonBudgetExceeded — превышен бюджетный потолок стадии. Фатальна.
	ReasonBudgetExceeded FailureReason = "budget_exceeded"

	// ReasonCancelled — run отменён во время выполнения стадии.
	ReasonCancelled FailureReason = "cancelled"
)

// Retryable возвращает true, если падение с этой причиной
// допускает автоматический retry.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonExecutorError:
		return true
	default:
		return false
	}
}
