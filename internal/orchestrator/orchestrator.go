package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/idempotency"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100

	// defaultBackpressureThreshold — максимум стадий в полёте
	// (диспатч отправлен, завершение ещё не получено).
	defaultBackpressureThreshold = 100
)

// Store — доступ оркестратора к runs и стадиям.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	TransitionRunStatus(ctx context.Context, id uuid.UUID, from, to domain.RunStatus) (bool, error)
	ListPendingRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListRunningRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error)
	ListStages(ctx context.Context, runID uuid.UUID) ([]domain.Stage, error)
	TransitionStage(ctx context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch repo.TransitionPatch) (bool, error)
}

// Publisher — публикация диспатчей стадий.
type Publisher interface {
	PublishStageDispatch(ctx context.Context, payload mq.StageDispatchPayload) error
}

// Orchestrator управляет выполнением runs.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает новые runs из очереди RabbitMQ (event-driven)
//   - Периодически проверяет pending runs в БД (polling fallback)
//   - Диспатчит стадии конвейера по порядку
//   - Отслеживает завершения попыток стадий
//   - Финализирует runs (completed/failed)
type Orchestrator struct {
	store    Store
	pub      Publisher
	resolver *idempotency.Resolver

	// MQ
	conn *mq.Connection

	// Consumers
	runConsumer       *mq.Consumer
	completedConsumer *mq.Consumer

	// inflight — счётчик стадий между диспатчем и завершением.
	inflight  atomic.Int64
	threshold int64

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store     Store
	Publisher Publisher

	// Conn — соединение с RabbitMQ. nil допустим: оркестратор работает
	// только на polling (например в тестах).
	Conn *mq.Connection

	// BackpressureThreshold — максимум стадий в полёте (default: 100).
	BackpressureThreshold int64

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество runs за один poll (default: 100)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	threshold := cfg.BackpressureThreshold
	if threshold <= 0 {
		threshold = defaultBackpressureThreshold
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:        cfg.Store,
		pub:          cfg.Publisher,
		resolver:     idempotency.NewResolver(cfg.Store),
		conn:         cfg.Conn,
		threshold:    threshold,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для runs.pending
//   - Consumer для stages.completed
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"backpressure_threshold", o.threshold,
	)

	if o.conn != nil {
		o.runConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsPending),
			Handler:  o.handleRunPending,
			Prefetch: 10,
		})

		o.completedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueStagesCompleted),
			Handler:  o.handleStageCompleted,
			Prefetch: 10,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.runConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("run consumer error", "error", err)
			}
		}()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.completedConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("completed consumer error", "error", err)
			}
		}()
	}

	// Запускаем polling
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.runConsumer != nil {
		o.runConsumer.Stop()
	}
	if o.completedConsumer != nil {
		o.completedConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"inflight", o.inflight.Load(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// InflightCount возвращает количество стадий в полёте.
func (o *Orchestrator) InflightCount() int64 {
	return o.inflight.Load()
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs, созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling: стартует pending runs и прогоняет
// running runs через advance. Второе возвращает к жизни runs, чьи
// события stage.completed потерялись: advance идемпотентен, а дубликат
// диспатча гасится CAS-захватом на воркере.
func (o *Orchestrator) poll(ctx context.Context) {
	pending, err := o.store.ListPendingRuns(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending runs", "error", err)
		return
	}
	if len(pending) > 0 {
		o.logger.Debug("poll found pending runs", "count", len(pending))
	}
	started := make(map[uuid.UUID]struct{}, len(pending))
	for i := range pending {
		if err := o.StartRun(ctx, pending[i].ID); err != nil {
			if errors.Is(err, ErrRunNotPending) || errors.Is(err, ErrBackpressureRejected) {
				continue
			}
			o.logger.Error("failed to process run from poll",
				"run_id", pending[i].ID,
				"error", err,
			)
			continue
		}
		started[pending[i].ID] = struct{}{}
	}

	running, err := o.store.ListRunningRuns(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list running runs", "error", err)
		return
	}
	for i := range running {
		// Только что стартовавшие уже продвинуты внутри StartRun.
		if _, ok := started[running[i].ID]; ok {
			continue
		}
		if err := o.advance(ctx, &running[i]); err != nil {
			if errors.Is(err, ErrBackpressureRejected) {
				continue
			}
			o.logger.Error("failed to advance run from poll",
				"run_id", running[i].ID,
				"error", err,
			)
		}
	}
}
