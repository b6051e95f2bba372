package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Store — фасад над pg-репозиториями с той же поверхностью, что у
// Memory. Компоненты объявляют узкие интерфейсы под нужные им
// методы; и Store, и Memory им удовлетворяют.
type Store struct {
	Runs        *RunRepo
	Stages      *StageRepo
	Invocations *InvocationRepo
	Windows     *WindowRepo
	Assets      *AssetRepo
}

// NewStore создаёт фасад над пулом соединений.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Runs:        NewRunRepo(pool),
		Stages:      NewStageRepo(pool),
		Invocations: NewInvocationRepo(pool),
		Windows:     NewWindowRepo(pool),
		Assets:      NewAssetRepo(pool),
	}
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	return s.Runs.Create(ctx, run)
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return s.Runs.GetByID(ctx, id)
}

func (s *Store) ListRunsByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]domain.Run, error) {
	return s.Runs.ListByOwner(ctx, ownerID, limit, offset)
}

func (s *Store) ListPendingRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return s.Runs.ListPending(ctx, limit)
}

func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return s.Runs.ListRunning(ctx, limit)
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	return s.Runs.Update(ctx, run)
}

func (s *Store) TransitionRunStatus(ctx context.Context, id uuid.UUID, from, to domain.RunStatus) (bool, error) {
	return s.Runs.TransitionStatus(ctx, id, from, to)
}

func (s *Store) TransitionStage(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch TransitionPatch) (bool, error) {
	return s.Stages.Transition(ctx, runID, name, from, to, patch)
}

func (s *Store) GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error) {
	return s.Stages.Get(ctx, runID, name)
}

func (s *Store) ListStages(ctx context.Context, runID uuid.UUID) ([]domain.Stage, error) {
	return s.Stages.ListByRun(ctx, runID)
}

func (s *Store) ListRunningPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	return s.Stages.ListRunningPastDeadline(ctx, now, limit)
}

func (s *Store) ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	return s.Stages.ListRetryable(ctx, now, limit)
}

func (s *Store) AddStageSpend(ctx context.Context, runID uuid.UUID, name string, delta int64) (int64, error) {
	return s.Stages.AddSpend(ctx, runID, name, delta)
}

func (s *Store) SetStageRunTag(ctx context.Context, runID uuid.UUID, name, tag string) error {
	return s.Stages.SetRunTag(ctx, runID, name, tag)
}

func (s *Store) RecordInvocation(ctx context.Context, inv *domain.Invocation) (bool, error) {
	return s.Invocations.Record(ctx, inv)
}

func (s *Store) ListInvocations(ctx context.Context, runID uuid.UUID) ([]domain.Invocation, error) {
	return s.Invocations.ListByRun(ctx, runID)
}

func (s *Store) GetStageSummary(ctx context.Context, runID uuid.UUID, stage string) (*domain.StageCostSummary, error) {
	return s.Invocations.GetSummary(ctx, runID, stage)
}

func (s *Store) IncrementWindow(ctx context.Context, callerKey string, start, end time.Time) (int64, error) {
	return s.Windows.Increment(ctx, callerKey, start, end)
}

func (s *Store) PurgeExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.Windows.PurgeExpired(ctx, cutoff)
}

func (s *Store) CreateAsset(ctx context.Context, asset *domain.Asset) error {
	return s.Assets.Create(ctx, asset)
}

func (s *Store) ListAssets(ctx context.Context, runID uuid.UUID) ([]domain.Asset, error) {
	return s.Assets.ListByRun(ctx, runID)
}
