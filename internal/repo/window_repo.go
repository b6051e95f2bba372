package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WindowRepo — хранилище окон rate limiter'а.
//
// Окно создаётся лениво на первом запросе; инкремент — одна
// атомарная операция над одной строкой (upsert), поэтому конкуренция
// ограничена row-level lock'ом единственной строки.
type WindowRepo struct {
	pool *pgxpool.Pool
}

// NewWindowRepo создаёт новый WindowRepo.
func NewWindowRepo(pool *pgxpool.Pool) *WindowRepo {
	return &WindowRepo{pool: pool}
}

// Increment атомарно увеличивает счётчик окна (создавая окно при
// необходимости) и возвращает новое значение счётчика.
func (r *WindowRepo) Increment(ctx context.Context, callerKey string, start, end time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (caller_key, window_start, window_end, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (caller_key, window_start, window_end)
		DO UPDATE SET count = rate_limit_windows.count + 1
		RETURNING count
	`, callerKey, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment window: %w", err)
	}
	return count, nil
}

// PurgeExpired удаляет инертные окна старше cutoff. Вызывается
// обслуживающим циклом; корректность лимитера от этого не зависит.
func (r *WindowRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM rate_limit_windows WHERE window_end < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge windows: %w", err)
	}
	return result.RowsAffected(), nil
}
