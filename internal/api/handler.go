package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Store — доступ API к runs, стадиям, артефактам и инвокациям.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRunsByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	TransitionRunStatus(ctx context.Context, id uuid.UUID, from, to domain.RunStatus) (bool, error)
	GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error)
	ListStages(ctx context.Context, runID uuid.UUID) ([]domain.Stage, error)
	TransitionStage(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch repo.TransitionPatch) (bool, error)
	SetStageRunTag(ctx context.Context, runID uuid.UUID, name, tag string) error
	ListAssets(ctx context.Context, runID uuid.UUID) ([]domain.Asset, error)
	ListInvocations(ctx context.Context, runID uuid.UUID) ([]domain.Invocation, error)
}

// Publisher — публикация сигналов оркестратору и воркерам.
type Publisher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID) error
	PublishStageDispatch(ctx context.Context, payload mq.StageDispatchPayload) error
	PublishStageCompleted(ctx context.Context, payload mq.StageCompletedPayload) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store     Store
	publisher Publisher
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store     Store
	Publisher Publisher

	// Limiter ограничивает частоту запросов по владельцу.
	// nil отключает лимитирование (тесты).
	Limiter *ratelimit.Limiter

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		limiter:   cfg.Limiter,
		logger:    logger,
	}
}
