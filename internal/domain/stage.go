package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts — максимальное число попыток стадии (включая первую).
const MaxAttempts = 3

// Stage — одна именованная стадия run со своим статусом,
// бюджетом и телеметрией.
//
// Пара (run_id, name) уникальна. Попытки retry не создают новых
// строк — инкрементируется счётчик Attempt под тем же ключом
// идемпотентности.
type Stage struct {
	// ID — уникальный идентификатор стадии.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// Name — имя стадии (одно из PipelineOrder).
	Name string `json:"name"`

	// Status — текущий статус стадии.
	Status StageStatus `json:"status"`

	// Attempt — номер попытки (начиная с 1, увеличивается при retry).
	Attempt int `json:"attempt"`

	// RunTag — различает ручные перезапуски той же пары run/stage.
	// Входит в ключ идемпотентности.
	RunTag string `json:"run_tag,omitempty"`

	// Reason — типизированная причина последнего падения.
	Reason FailureReason `json:"reason,omitempty"`

	// StartedAt — время начала текущей попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// NextRetryAt — не раньше этого момента супервизор может
	// перезапустить упавшую стадию (exponential backoff).
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Telemetry — документ телеметрии стадии (tagged union по имени).
	Telemetry *StageTelemetry `json:"telemetry,omitempty"`

	// BudgetSpent — накопленный расход в минорных единицах.
	// Монотонно неубывающий.
	BudgetSpent int64 `json:"budget_spent"`

	// Notes — свободный текст для оператора (диагностика, причины skip).
	Notes string `json:"notes,omitempty"`

	// CreatedAt — время создания стадии (совпадает с созданием run).
	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyKey возвращает стабильный ключ попытки стадии:
// {run_id}:{stage_name}:{run_tag}.
func (s *Stage) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", s.RunID, s.Name, s.RunTag)
}

// Duration возвращает продолжительность текущей попытки.
func (s *Stage) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Deadline возвращает момент истечения soft timeout текущей попытки.
// Для не-running стадий возвращает нулевое время.
func (s *Stage) Deadline() time.Time {
	if s.Status != StageStatusRunning || s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(SoftTimeout(s.Name))
}

// CanRetry проверяет, остались ли попытки.
func (s *Stage) CanRetry() bool {
	return s.Attempt < MaxAttempts
}

// RetryBackoff возвращает задержку перед следующей попыткой:
// exponential backoff от номера уже израсходованной попытки.
func (s *Stage) RetryBackoff() time.Duration {
	base := 10 * time.Second
	d := base
	for i := 1; i < s.Attempt; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// MarkRunning переводит стадию в running и открывает новую попытку.
func (s *Stage) MarkRunning() {
	now := time.Now()
	s.Status = StageStatusRunning
	s.StartedAt = &now
	s.FinishedAt = nil
	s.Reason = ""
	s.Attempt++
}

// MarkCompleted переводит стадию в completed с телеметрией.
func (s *Stage) MarkCompleted(tel *StageTelemetry, notes string) {
	now := time.Now()
	s.Status = StageStatusCompleted
	s.FinishedAt = &now
	s.Telemetry = tel
	if notes != "" {
		s.Notes = notes
	}
}

// MarkFailed переводит стадию в failed с типизированной причиной.
func (s *Stage) MarkFailed(reason FailureReason, notes string) {
	now := time.Now()
	s.Status = StageStatusFailed
	s.FinishedAt = &now
	s.Reason = reason
	if notes != "" {
		s.Notes = notes
	}
	if reason.Retryable() && s.CanRetry() {
		next := now.Add(s.RetryBackoff())
		s.NextRetryAt = &next
	} else {
		s.NextRetryAt = nil
	}
}

// MarkSkipped помечает стадию как явно пропущенную оператором.
func (s *Stage) MarkSkipped(notes string) {
	now := time.Now()
	s.Status = StageStatusSkipped
	s.FinishedAt = &now
	if notes != "" {
		s.Notes = notes
	}
}

// ResetForRetry подготавливает стадию к повторной попытке:
// статус pending, та же пара (run, name), тот же ключ идемпотентности.
// Attempt увеличится при следующем MarkRunning.
func (s *Stage) ResetForRetry() {
	s.Status = StageStatusPending
	s.StartedAt = nil
	s.FinishedAt = nil
	s.NextRetryAt = nil
	s.Reason = ""
}

// SortStages возвращает стадии, упорядоченные по PipelineOrder.
// Неизвестные имена уходят в конец.
func SortStages(stages []Stage) []Stage {
	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && stageRank(sorted[j].Name) < stageRank(sorted[j-1].Name); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

func stageRank(name string) int {
	if i := StageIndex(name); i >= 0 {
		return i
	}
	return len(PipelineOrder)
}
