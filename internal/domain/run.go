package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — один сквозной прогон конвейера для единицы работы.
//
// Run создаётся вызовом create run (владелец, входной документ,
// бюджетные потолки по стадиям) и сразу получает полный набор
// стадий в статусе pending в порядке PipelineOrder.
//
// Статусы run и стадий мутируются только оркестратором,
// бюджетным леджером и агрегатором телеметрии — executor
// стадии лишь возвращает результат.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// OwnerID — владелец run.
	OwnerID uuid.UUID `json:"owner_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Input — входной документ (непрозрачный для оркестратора).
	Input map[string]any `json:"input,omitempty"`

	// Budgets — потолки расходов по стадиям в минорных единицах.
	Budgets map[string]int64 `json:"budgets"`

	// Telemetry — агрегатный снимок телеметрии по стадиям
	// (имя стадии → документ стадии).
	Telemetry map[string]StageTelemetry `json:"telemetry,omitempty"`

	// Error — текст ошибки, если run завершился failed.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// BudgetFor возвращает потолок стадии.
// 0 означает, что потолок не задан и расходы не ограничены.
func (r *Run) BudgetFor(stage string) int64 {
	if r.Budgets == nil {
		return 0
	}
	return r.Budgets[stage]
}

// MarkRunning переводит run в статус running.
func (r *Run) MarkRunning() {
	r.Status = RunStatusRunning
	r.UpdatedAt = time.Now()
}

// MarkCompleted переводит run в статус completed.
func (r *Run) MarkCompleted() {
	r.Status = RunStatusCompleted
	r.UpdatedAt = time.Now()
}

// MarkFailed переводит run в статус failed с ошибкой.
func (r *Run) MarkFailed(err string) {
	r.Status = RunStatusFailed
	r.Error = err
	r.UpdatedAt = time.Now()
}

// MarkCancelled переводит run в статус cancelled.
func (r *Run) MarkCancelled() {
	r.Status = RunStatusCancelled
	r.UpdatedAt = time.Now()
}
