// Package supervisor следит за зависшими и упавшими попытками стадий.
//
// Supervisor — фоновый компонент с двумя периодическими обходами:
//
//   - timeout sweep: running-стадии, пересидевшие свой soft timeout,
//     переводятся в failed с reason timeout;
//   - retry sweep: failed-стадии с наступившим next_retry_at
//     возвращаются в pending и перепубликуются воркерам.
//
// Оба обхода работают через compare-and-set, поэтому несколько
// экземпляров супервизора не конфликтуют: перевод удаётся ровно
// одному. Решение о судьбе run после исчерпания попыток принимает
// оркестратор по событию stage.completed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultInterval  = 15 * time.Second
	defaultBatchSize = 100

	// defaultWindowRetention — сколько закрытые окна лимитера
	// хранятся до очистки.
	defaultWindowRetention = 24 * time.Hour
)

// Store — доступ супервизора к стадиям и окнам лимитера.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRunningPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error)
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Stage, error)
	TransitionStage(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch repo.TransitionPatch) (bool, error)
	PurgeExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher — публикация диспатчей и событий завершения.
type Publisher interface {
	PublishStageDispatch(ctx context.Context, payload mq.StageDispatchPayload) error
	PublishStageCompleted(ctx context.Context, payload mq.StageCompletedPayload) error
}

// Supervisor выполняет периодические обходы стадий.
type Supervisor struct {
	store     Store
	pub       Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	retention time.Duration
}

// Config — конфигурация Supervisor.
type Config struct {
	Store     Store
	Publisher Publisher
	Logger    *slog.Logger

	// Interval — период между обходами (default: 15s).
	Interval time.Duration

	// BatchSize — количество стадий за один обход (default: 100).
	BatchSize int

	// WindowRetention — срок хранения закрытых окон лимитера
	// (default: 24h). Закрытые окна инертны и чистятся только
	// ради места.
	WindowRetention time.Duration
}

// New создаёт новый Supervisor.
func New(cfg Config) *Supervisor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	retention := cfg.WindowRetention
	if retention <= 0 {
		retention = defaultWindowRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		store:     cfg.Store,
		pub:       cfg.Publisher,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		retention: retention,
	}
}

// Run запускает цикл обходов до отмены контекста.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting supervisor",
		"interval", s.interval,
		"batch_size", s.batchSize,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Первый обход сразу при старте.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick выполняет один обход. Ошибки одной стадии не блокируют остальные.
func (s *Supervisor) Tick(ctx context.Context) {
	now := time.Now()

	if err := s.sweepTimeouts(ctx, now); err != nil {
		s.logger.Error("timeout sweep failed", "error", err)
	}
	if err := s.sweepRetries(ctx, now); err != nil {
		s.logger.Error("retry sweep failed", "error", err)
	}
	if purged, err := s.store.PurgeExpiredWindows(ctx, now.Add(-s.retention)); err != nil {
		s.logger.Error("window purge failed", "error", err)
	} else if purged > 0 {
		s.logger.Debug("purged expired rate limit windows", "count", purged)
	}
}

// sweepTimeouts переводит running-стадии, пересидевшие soft timeout,
// в failed с reason timeout.
func (s *Supervisor) sweepTimeouts(ctx context.Context, now time.Time) error {
	stages, err := s.store.ListRunningPastDeadline(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list running past deadline: %w", err)
	}

	for i := range stages {
		stage := &stages[i]

		reason := domain.ReasonTimeout
		notes := fmt.Sprintf("soft timeout %s exceeded", domain.SoftTimeout(stage.Name))
		finished := now
		patch := repo.TransitionPatch{
			Reason:     &reason,
			Notes:      &notes,
			FinishedAt: &finished,
		}
		if stage.CanRetry() {
			retryAt := now.Add(stage.RetryBackoff())
			patch.NextRetryAt = &retryAt
		}

		ok, err := s.store.TransitionStage(ctx, stage.RunID, stage.Name,
			domain.StageStatusRunning, domain.StageStatusFailed, patch)
		if err != nil {
			s.logger.Error("failed to time out stage",
				"run_id", stage.RunID,
				"stage", stage.Name,
				"error", err,
			)
			continue
		}
		if !ok {
			// Воркер успел завершить попытку первым.
			continue
		}

		telemetry.StageTimeouts.Inc()

		s.logger.Warn("stage timed out",
			"run_id", stage.RunID,
			"stage", stage.Name,
			"attempt", stage.Attempt,
			"started_at", stage.StartedAt,
		)

		// Оркестратор решает судьбу run по событию завершения.
		s.publishCompleted(ctx, mq.StageCompletedPayload{
			RunID:   stage.RunID,
			Stage:   stage.Name,
			Status:  string(domain.StageStatusFailed),
			Reason:  string(domain.ReasonTimeout),
			Notes:   notes,
			Attempt: stage.Attempt,
		})
	}

	return nil
}

// sweepRetries возвращает failed-стадии с наступившим next_retry_at
// в pending и перепубликует их воркерам.
func (s *Supervisor) sweepRetries(ctx context.Context, now time.Time) error {
	stages, err := s.store.ListRetryable(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list retryable: %w", err)
	}

	for i := range stages {
		stage := &stages[i]

		// Отменённый или упавший run не перезапускает стадии.
		run, err := s.store.GetRun(ctx, stage.RunID)
		if err != nil {
			s.logger.Error("failed to load run for retry",
				"run_id", stage.RunID,
				"error", err,
			)
			continue
		}
		if run.Status != domain.RunStatusRunning {
			continue
		}

		ok, err := s.store.TransitionStage(ctx, stage.RunID, stage.Name,
			domain.StageStatusFailed, domain.StageStatusPending,
			repo.TransitionPatch{ClearTiming: true})
		if err != nil {
			s.logger.Error("failed to reset stage for retry",
				"run_id", stage.RunID,
				"stage", stage.Name,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		telemetry.StageRetries.Inc()

		if s.pub == nil {
			// Стадия уже pending — оркестратор додиспатчит её поллингом.
			continue
		}
		payload := mq.StageDispatchPayload{
			RunID:          stage.RunID,
			Stage:          stage.Name,
			IdempotencyKey: stage.IdempotencyKey(),
			Attempt:        stage.Attempt + 1,
		}
		if err := s.pub.PublishStageDispatch(ctx, payload); err != nil {
			// Стадия уже pending — оркестратор додиспатчит её сам.
			s.logger.Warn("failed to republish stage.dispatch",
				"run_id", stage.RunID,
				"stage", stage.Name,
				"error", err,
			)
			continue
		}

		s.logger.Info("stage retry dispatched",
			"run_id", stage.RunID,
			"stage", stage.Name,
			"attempt", payload.Attempt,
		)
	}

	return nil
}

// publishCompleted публикует событие stage.completed.
func (s *Supervisor) publishCompleted(ctx context.Context, payload mq.StageCompletedPayload) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishStageCompleted(ctx, payload); err != nil {
		s.logger.Warn("failed to publish stage.completed",
			"run_id", payload.RunID,
			"stage", payload.Stage,
			"error", err,
		)
	}
}
