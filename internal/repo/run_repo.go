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

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Create создаёт run и в той же транзакции — все объявленные стадии
// в статусе pending в порядке конвейера. Частично засеянных runs
// не бывает.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	budgetsJSON, err := json.Marshal(run.Budgets)
	if err != nil {
		return fmt.Errorf("marshal budgets: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, owner_id, status, input, budgets, telemetry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}', $6, $7)
	`,
		run.ID,
		run.OwnerID,
		run.Status,
		inputJSON,
		budgetsJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, name := range domain.PipelineOrder {
		_, err = tx.Exec(ctx, `
			INSERT INTO stages (id, run_id, name, status, attempt, run_tag, budget_spent, created_at)
			VALUES ($1, $2, $3, $4, 0, '', 0, $5)
		`,
			uuid.New(),
			run.ID,
			name,
			domain.StageStatusPending,
			run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("seed stage %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, status, input, budgets, telemetry, error, created_at, updated_at
		FROM runs
		WHERE id = $1
	`, id)
	return scanRun(row)
}

// ListByOwner возвращает runs владельца, новые первыми.
func (r *RunRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, status, input, budgets, telemetry, error, created_at, updated_at
		FROM runs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListPending возвращает runs в статусе pending (для polling fallback).
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, status, input, budgets, telemetry, error, created_at, updated_at
		FROM runs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRunning возвращает runs в статусе running. Polling fallback
// прогоняет их через advance, чтобы потерянное событие завершения
// стадии не остановило конвейер навсегда.
func (r *RunRepo) ListRunning(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, status, input, budgets, telemetry, error, created_at, updated_at
		FROM runs
		WHERE status = 'running'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// Update обновляет статус, телеметрию и ошибку run.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	telemetryJSON, err := json.Marshal(run.Telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, telemetry = $3, error = $4, updated_at = $5
		WHERE id = $1
	`,
		run.ID,
		run.Status,
		telemetryJSON,
		nullString(run.Error),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus — compare-and-swap статуса run.
// Возвращает false без мутации, если текущий статус не равен from.
func (r *RunRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.RunStatus) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, from, to, time.Now())
	if err != nil {
		return false, fmt.Errorf("transition run status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Helpers ---

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var inputJSON, budgetsJSON, telemetryJSON []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.OwnerID,
		&run.Status,
		&inputJSON,
		&budgetsJSON,
		&telemetryJSON,
		&runError,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if budgetsJSON != nil {
		if err := json.Unmarshal(budgetsJSON, &run.Budgets); err != nil {
			return nil, fmt.Errorf("unmarshal budgets: %w", err)
		}
	}
	if len(telemetryJSON) > 0 && string(telemetryJSON) != "{}" {
		if err := json.Unmarshal(telemetryJSON, &run.Telemetry); err != nil {
			return nil, fmt.Errorf("unmarshal telemetry: %w", err)
		}
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
