package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StageRepo — репозиторий для работы со стадиями runs.
//
// Transition — единственный путь записи статуса стадии.
// Все изменения статуса идут через compare-and-swap, поэтому два
// конкурентных оркестратора/воркера не могут забрать одну попытку.
type StageRepo struct {
	pool *pgxpool.Pool
}

// NewStageRepo создаёт новый StageRepo.
func NewStageRepo(pool *pgxpool.Pool) *StageRepo {
	return &StageRepo{pool: pool}
}

// TransitionPatch — сопутствующие изменения при переходе статуса.
// Nil-поля не трогают соответствующие колонки.
type TransitionPatch struct {
	Attempt     *int
	Reason      *domain.FailureReason
	Telemetry   *domain.StageTelemetry
	Notes       *string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	NextRetryAt *time.Time
	ClearTiming bool // сбросить started_at/finished_at/next_retry_at (retry)
}

// Transition выполняет compare-and-swap статуса стадии:
// успех только если текущий статус равен from. При несовпадении
// возвращает false без какой-либо мутации.
//
// Рёбра вне таблицы переходов отклоняются до обращения к БД.
func (r *StageRepo) Transition(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch TransitionPatch) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}

	var telemetryJSON []byte
	if patch.Telemetry != nil {
		b, err := json.Marshal(patch.Telemetry)
		if err != nil {
			return false, fmt.Errorf("marshal telemetry: %w", err)
		}
		telemetryJSON = b
	}

	var reason *string
	if patch.Reason != nil {
		s := string(*patch.Reason)
		reason = &s
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE stages
		SET status        = $4,
		    attempt       = COALESCE($5, attempt),
		    reason        = COALESCE($6, reason),
		    telemetry     = COALESCE($7, telemetry),
		    notes         = COALESCE($8, notes),
		    started_at    = CASE WHEN $12 THEN NULL ELSE COALESCE($9, started_at) END,
		    finished_at   = CASE WHEN $12 THEN NULL ELSE COALESCE($10, finished_at) END,
		    next_retry_at = CASE WHEN $12 THEN NULL ELSE COALESCE($11, next_retry_at) END
		WHERE run_id = $1 AND name = $2 AND status = $3
	`,
		runID,
		name,
		from,
		to,
		patch.Attempt,
		reason,
		telemetryJSON,
		patch.Notes,
		patch.StartedAt,
		patch.FinishedAt,
		patch.NextRetryAt,
		patch.ClearTiming,
	)
	if err != nil {
		return false, fmt.Errorf("transition stage: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Get возвращает стадию по (run_id, name).
func (r *StageRepo) Get(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error) {
	row := r.pool.QueryRow(ctx, stageSelect+` WHERE run_id = $1 AND name = $2`, runID, name)
	return scanStage(row)
}

// ListByRun возвращает все стадии run.
func (r *StageRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Stage, error) {
	rows, err := r.pool.Query(ctx, stageSelect+` WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	stages, err := collectStages(rows)
	if err != nil {
		return nil, err
	}
	return domain.SortStages(stages), nil
}

// ListRunningPastDeadline возвращает running-стадии, стартовавшие
// раньше дедлайна своего вида. Кандидаты для supervisor sweep.
func (r *StageRepo) ListRunningPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	// Дедлайн зависит от вида стадии, поэтому фильтруем по самому
	// длинному таймауту в SQL и досеиваем точную проверку в Go.
	rows, err := r.pool.Query(ctx, stageSelect+`
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`, now.Add(-minSoftTimeout()), limit)
	if err != nil {
		return nil, fmt.Errorf("list running stages: %w", err)
	}
	defer rows.Close()

	stages, err := collectStages(rows)
	if err != nil {
		return nil, err
	}

	expired := stages[:0]
	for _, s := range stages {
		if !s.Deadline().After(now) {
			expired = append(expired, s)
		}
	}
	return expired, nil
}

// ListRetryable возвращает failed-стадии с retryable-причиной,
// у которых истёк backoff и остались попытки.
func (r *StageRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	rows, err := r.pool.Query(ctx, stageSelect+`
		WHERE status = 'failed'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		  AND attempt < $2
		ORDER BY next_retry_at ASC
		LIMIT $3
	`, now, domain.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable stages: %w", err)
	}
	defer rows.Close()

	return collectStages(rows)
}

// AddSpend атомарно увеличивает накопленный расход стадии и
// возвращает новое значение. Конкурентные инкременты не теряются.
func (r *StageRepo) AddSpend(ctx context.Context, runID uuid.UUID, name string, delta int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		UPDATE stages
		SET budget_spent = budget_spent + $3
		WHERE run_id = $1 AND name = $2
		RETURNING budget_spent
	`, runID, name, delta).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add spend: %w", err)
	}
	return total, nil
}

// SetRunTag задаёт run_tag для ручного перезапуска пары run/stage.
// Счётчик попыток не сбрасывается: ручные перезапуски продолжают
// историю попыток, меняется только ключ идемпотентности.
func (r *StageRepo) SetRunTag(ctx context.Context, runID uuid.UUID, name, tag string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE stages SET run_tag = $3 WHERE run_id = $1 AND name = $2
	`, runID, name, tag)
	if err != nil {
		return fmt.Errorf("set run tag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

const stageSelect = `
	SELECT id, run_id, name, status, attempt, run_tag, reason, started_at,
	       finished_at, next_retry_at, telemetry, budget_spent, notes, created_at
	FROM stages
`

func minSoftTimeout() time.Duration {
	min := domain.SoftTimeout(domain.PipelineOrder[0])
	for _, name := range domain.PipelineOrder[1:] {
		if d := domain.SoftTimeout(name); d < min {
			min = d
		}
	}
	return min
}

func scanStage(row pgx.Row) (*domain.Stage, error) {
	var stage domain.Stage
	var reason *string
	var telemetryJSON []byte
	var notes *string

	err := row.Scan(
		&stage.ID,
		&stage.RunID,
		&stage.Name,
		&stage.Status,
		&stage.Attempt,
		&stage.RunTag,
		&reason,
		&stage.StartedAt,
		&stage.FinishedAt,
		&stage.NextRetryAt,
		&telemetryJSON,
		&stage.BudgetSpent,
		&notes,
		&stage.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage: %w", err)
	}

	if reason != nil {
		stage.Reason = domain.FailureReason(*reason)
	}
	if telemetryJSON != nil {
		var tel domain.StageTelemetry
		if err := json.Unmarshal(telemetryJSON, &tel); err != nil {
			return nil, fmt.Errorf("unmarshal telemetry: %w", err)
		}
		stage.Telemetry = &tel
	}
	if notes != nil {
		stage.Notes = *notes
	}

	return &stage, nil
}

func collectStages(rows pgx.Rows) ([]domain.Stage, error) {
	var stages []domain.Stage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, *stage)
	}
	return stages, rows.Err()
}
