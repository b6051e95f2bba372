package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// InvocationRepo — репозиторий для append-only записей о вызовах
// провайдеров и материализованного агрегата Stage Cost Summary.
//
// Record выполняет вставку вызова и инкремент агрегата в одной
// транзакции, поэтому reconciliation-инвариант (summary == сумма
// вызовов стадии) держится непрерывно, а не только после пересчёта.
type InvocationRepo struct {
	pool *pgxpool.Pool
}

// NewInvocationRepo создаёт новый InvocationRepo.
func NewInvocationRepo(pool *pgxpool.Pool) *InvocationRepo {
	return &InvocationRepo{pool: pool}
}

// Record записывает вызов и обновляет агрегат.
// Идемпотентна по invocation id: повторная запись того же вызова
// возвращает inserted=false и не трогает суммы.
func (r *InvocationRepo) Record(ctx context.Context, inv *domain.Invocation) (inserted bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO invocations (id, run_id, stage, provider, model, request_hash,
		                         input_units, output_units, cost_minor, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		inv.ID,
		inv.RunID,
		inv.Stage,
		inv.Provider,
		inv.Model,
		inv.RequestHash,
		inv.InputUnits,
		inv.OutputUnits,
		inv.CostMinor,
		inv.LatencyMs,
		inv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert invocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Дубликат — агрегат уже учёл этот вызов.
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO stage_cost_summaries (run_id, stage, cost_minor, input_units, output_units, invocations, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
		ON CONFLICT (run_id, stage) DO UPDATE
		SET cost_minor   = stage_cost_summaries.cost_minor + EXCLUDED.cost_minor,
		    input_units  = stage_cost_summaries.input_units + EXCLUDED.input_units,
		    output_units = stage_cost_summaries.output_units + EXCLUDED.output_units,
		    invocations  = stage_cost_summaries.invocations + 1,
		    updated_at   = now()
	`,
		inv.RunID,
		inv.Stage,
		inv.CostMinor,
		inv.InputUnits,
		inv.OutputUnits,
	)
	if err != nil {
		return false, fmt.Errorf("apply summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListByRun возвращает все вызовы run в порядке записи.
func (r *InvocationRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Invocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, stage, provider, model, request_hash,
		       input_units, output_units, cost_minor, latency_ms, created_at
		FROM invocations
		WHERE run_id = $1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invs []domain.Invocation
	for rows.Next() {
		var inv domain.Invocation
		err := rows.Scan(
			&inv.ID,
			&inv.RunID,
			&inv.Stage,
			&inv.Provider,
			&inv.Model,
			&inv.RequestHash,
			&inv.InputUnits,
			&inv.OutputUnits,
			&inv.CostMinor,
			&inv.LatencyMs,
			&inv.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// GetSummary возвращает агрегат по (run, stage).
func (r *InvocationRepo) GetSummary(ctx context.Context, runID uuid.UUID, stage string) (*domain.StageCostSummary, error) {
	var s domain.StageCostSummary
	err := r.pool.QueryRow(ctx, `
		SELECT run_id, stage, cost_minor, input_units, output_units, invocations, updated_at
		FROM stage_cost_summaries
		WHERE run_id = $1 AND stage = $2
	`, runID, stage).Scan(
		&s.RunID,
		&s.Stage,
		&s.CostMinor,
		&s.InputUnits,
		&s.OutputUnits,
		&s.Invocations,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return &s, nil
}

// ListSummaries возвращает агрегаты всех стадий run.
func (r *InvocationRepo) ListSummaries(ctx context.Context, runID uuid.UUID) ([]domain.StageCostSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, stage, cost_minor, input_units, output_units, invocations, updated_at
		FROM stage_cost_summaries
		WHERE run_id = $1
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []domain.StageCostSummary
	for rows.Next() {
		var s domain.StageCostSummary
		err := rows.Scan(&s.RunID, &s.Stage, &s.CostMinor, &s.InputUnits, &s.OutputUnits, &s.Invocations, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
