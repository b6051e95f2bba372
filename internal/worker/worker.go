package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/budget"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/metering"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
)

const (
	// defaultConsumers — размер пула потребителей в одном процессе.
	defaultConsumers = 4

	// defaultCancelPoll — период проверки статуса run во время
	// выполнения попытки. Отмена run снимает контекст executor'а.
	defaultCancelPoll = 5 * time.Second
)

// Store — доступ воркера к runs, стадиям и артефактам.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error)
	TransitionStage(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch repo.TransitionPatch) (bool, error)
	CreateAsset(ctx context.Context, asset *domain.Asset) error
}

// Publisher — публикация результатов попыток.
type Publisher interface {
	PublishStageCompleted(ctx context.Context, payload mq.StageCompletedPayload) error
}

// Worker выполняет попытки стадий конвейера.
//
// Внутри процесса работает пул из N потребителей очереди
// stages.dispatch, каждый с prefetch=1 и поздним подтверждением.
type Worker struct {
	store      Store
	pub        Publisher
	registry   *Registry
	ledger     *budget.Ledger
	aggregator *metering.Aggregator
	limiter    *ratelimit.Limiter

	// MQ
	conn      *mq.Connection
	consumers []*mq.Consumer
	poolSize  int

	cancelPoll time.Duration

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	group      *errgroup.Group
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Store     Store
	Publisher Publisher

	// Conn — соединение с RabbitMQ. nil допустим в тестах:
	// попытки подаются напрямую через ProcessDispatch.
	Conn *mq.Connection

	// Registry — реестр executor'ов (nil — StubExecutor для всех стадий).
	Registry *Registry

	// Ledger — бюджетный леджер (nil — расходы не контролируются).
	Ledger *budget.Ledger

	// Aggregator — агрегатор вызовов (nil — вызовы не записываются).
	Aggregator *metering.Aggregator

	// Limiter — лимитер вызовов внешних провайдеров (nil — без лимита).
	Limiter *ratelimit.Limiter

	// Consumers — размер пула потребителей (default: 4).
	Consumers int

	// CancelPollInterval — период проверки отмены run во время
	// выполнения попытки (default: 5s).
	CancelPollInterval time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	poolSize := cfg.Consumers
	if poolSize <= 0 {
		poolSize = defaultConsumers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(&StubExecutor{})
	}

	cancelPoll := cfg.CancelPollInterval
	if cancelPoll <= 0 {
		cancelPoll = defaultCancelPoll
	}

	return &Worker{
		store:      cfg.Store,
		pub:        cfg.Publisher,
		registry:   registry,
		ledger:     cfg.Ledger,
		aggregator: cfg.Aggregator,
		limiter:    cfg.Limiter,
		conn:       cfg.Conn,
		poolSize:   poolSize,
		cancelPoll: cancelPoll,
		logger:     logger,
	}
}

// Start запускает пул потребителей.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker", "consumers", w.poolSize)

	if w.conn == nil {
		return fmt.Errorf("mq connection is required")
	}

	g, gctx := errgroup.WithContext(ctx)
	w.group = g

	for i := 0; i < w.poolSize; i++ {
		consumer := mq.NewConsumer(w.conn, w.logger.With("consumer", i), mq.ConsumerConfig{
			Queue:    string(mq.QueueStagesDispatch),
			Handler:  w.handleStageDispatch,
			Prefetch: 1,
		})
		w.consumers = append(w.consumers, consumer)

		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и дожидается потребителей.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, consumer := range w.consumers {
		consumer.Stop()
	}
	if w.group != nil {
		if err := w.group.Wait(); err != nil {
			w.logger.Error("consumer pool error", "error", err)
		}
	}

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
