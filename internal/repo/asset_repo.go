package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// AssetRepo — репозиторий записей об артефактах стадий.
type AssetRepo struct {
	pool *pgxpool.Pool
}

// NewAssetRepo создаёт новый AssetRepo.
func NewAssetRepo(pool *pgxpool.Pool) *AssetRepo {
	return &AssetRepo{pool: pool}
}

// Create записывает артефакт.
func (r *AssetRepo) Create(ctx context.Context, asset *domain.Asset) error {
	extraJSON, err := json.Marshal(asset.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO assets (id, run_id, stage, type, storage_key, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		asset.ID,
		asset.RunID,
		asset.Stage,
		asset.Type,
		asset.StorageKey,
		extraJSON,
		asset.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// ListByRun возвращает артефакты run в порядке записи.
func (r *AssetRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Asset, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, stage, type, storage_key, extra, created_at
		FROM assets
		WHERE run_id = $1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		var extraJSON []byte
		if err := rows.Scan(&a.ID, &a.RunID, &a.Stage, &a.Type, &a.StorageKey, &extraJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if extraJSON != nil {
			if err := json.Unmarshal(extraJSON, &a.Extra); err != nil {
				return nil, fmt.Errorf("unmarshal extra: %w", err)
			}
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
