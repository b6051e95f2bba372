package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/idempotency"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// handleRunPending обрабатывает событие о новом pending run.
func (o *Orchestrator) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.pending payload", "error", err)
		return mq.ErrDrop
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID)

	if err := o.StartRun(ctx, payload.RunID); err != nil {
		// Дубликат события или run уже ушёл вперёд — не ошибка.
		if errors.Is(err, ErrRunNotPending) || errors.Is(err, ErrRunNotFound) {
			o.logger.Debug("run not started", "run_id", payload.RunID, "reason", err)
			return nil
		}
		if errors.Is(err, ErrBackpressureRejected) {
			// Вернём сообщение в очередь: стадия pending, диспатчер перегружен.
			return err
		}
		o.logger.Error("failed to start run", "run_id", payload.RunID, "error", err)
		return err
	}

	return nil
}

// handleStageCompleted обрабатывает событие о завершённой попытке стадии.
func (o *Orchestrator) handleStageCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StageCompletedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse stage.completed payload", "error", err)
		return mq.ErrDrop
	}

	o.logger.Debug("received stage.completed event",
		"run_id", payload.RunID,
		"stage", payload.Stage,
		"status", payload.Status,
		"attempt", payload.Attempt,
	)

	if err := o.OnStageCompleted(ctx, payload); err != nil {
		if errors.Is(err, ErrBackpressureRejected) {
			return err
		}
		o.logger.Error("failed to process stage completion",
			"run_id", payload.RunID,
			"stage", payload.Stage,
			"error", err,
		)
		return err
	}

	return nil
}

// StartRun переводит pending run в running и диспатчит первую стадию.
//
// Идемпотентен: повторный вызов для уже запущенного run продолжает
// с текущего места, для завершённого — ничего не делает.
func (o *Orchestrator) StartRun(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("get run: %w", err)
	}

	switch run.Status {
	case domain.RunStatusPending:
		// Admission до мутации: отклонённый run остаётся pending,
		// его подберёт следующий poll или повторная доставка.
		if o.inflight.Load() >= o.threshold {
			o.logger.Warn("run admission rejected by backpressure",
				"run_id", runID,
				"inflight", o.inflight.Load(),
			)
			telemetry.BackpressureRejections.Inc()
			return ErrBackpressureRejected
		}

		ok, err := o.store.TransitionRunStatus(ctx, runID, domain.RunStatusPending, domain.RunStatusRunning)
		if err != nil {
			return fmt.Errorf("transition run to running: %w", err)
		}
		if !ok {
			// Конкурирующий оркестратор успел раньше.
			return ErrRunNotPending
		}
		run.MarkRunning()
		o.logger.Info("run started", "run_id", runID, "owner_id", run.OwnerID)

	case domain.RunStatusRunning:
		// Resume после рестарта или дубликат события.

	default:
		return ErrRunNotPending
	}

	return o.advance(ctx, run)
}

// OnStageCompleted продвигает run после завершения попытки стадии.
func (o *Orchestrator) OnStageCompleted(ctx context.Context, payload mq.StageCompletedPayload) error {
	o.releaseInflight()

	run, err := o.store.GetRun(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Debug("completion for unknown run", "run_id", payload.RunID)
			return nil
		}
		return fmt.Errorf("get run: %w", err)
	}

	// Завершённый или отменённый run дальше не продвигается.
	// Уже завершённые стадии остаются как есть.
	if run.IsFinished() {
		return nil
	}

	switch domain.StageStatus(payload.Status) {
	case domain.StageStatusCompleted, domain.StageStatusSkipped:
		return o.advance(ctx, run)

	case domain.StageStatusFailed:
		return o.onStageFailed(ctx, run, payload)

	default:
		o.logger.Warn("unexpected completion status",
			"run_id", payload.RunID,
			"stage", payload.Stage,
			"status", payload.Status,
		)
		return nil
	}
}

// onStageFailed решает судьбу run после неудачной попытки стадии.
//
// Retryable ошибка с оставшимися попытками оставляет стадию failed:
// её подберёт retry sweep супервизора. Фатальная ошибка или
// исчерпанные попытки завершают run, стадии ниже не запускаются.
func (o *Orchestrator) onStageFailed(ctx context.Context, run *domain.Run, payload mq.StageCompletedPayload) error {
	stage, err := o.store.GetStage(ctx, run.ID, payload.Stage)
	if err != nil {
		return fmt.Errorf("get stage: %w", err)
	}

	if stage.Status != domain.StageStatusFailed {
		// Стадия уже ушла вперёд (retry успел раньше события).
		return nil
	}

	if stage.Reason.Retryable() && stage.CanRetry() {
		o.logger.Info("stage failed, retry scheduled",
			"run_id", run.ID,
			"stage", stage.Name,
			"attempt", stage.Attempt,
			"reason", stage.Reason,
			"next_retry_at", stage.NextRetryAt,
		)
		return nil
	}

	msg := fmt.Sprintf("stage %s failed after %d attempt(s): %s", stage.Name, stage.Attempt, stage.Reason)
	if stage.Notes != "" {
		msg += ": " + stage.Notes
	}
	return o.failRun(ctx, run, msg)
}

// advance диспатчит самую раннюю недотерминальную стадию конвейера
// или финализирует run, если все стадии завершены.
func (o *Orchestrator) advance(ctx context.Context, run *domain.Run) error {
	if run.Status != domain.RunStatusRunning {
		return nil
	}

	stages, err := o.store.ListStages(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}

	for i := range stages {
		stage := &stages[i]

		switch stage.Status {
		case domain.StageStatusCompleted, domain.StageStatusSkipped:
			continue

		case domain.StageStatusRunning:
			// Стадия в работе, ждём её завершения.
			return nil

		case domain.StageStatusFailed:
			if stage.Reason.Retryable() && stage.CanRetry() {
				// Ждём retry sweep супервизора.
				return nil
			}
			msg := fmt.Sprintf("stage %s failed after %d attempt(s): %s", stage.Name, stage.Attempt, stage.Reason)
			return o.failRun(ctx, run, msg)

		case domain.StageStatusPending:
			return o.dispatchStage(ctx, run, stage.Name)
		}
	}

	return o.finalizeRun(ctx, run, stages)
}

// dispatchStage публикует диспатч стадии воркерам.
//
// Перевод pending→running делает воркер, взявший сообщение: это
// compare-and-set, поэтому дубликат диспатча не породит второго
// выполнения.
func (o *Orchestrator) dispatchStage(ctx context.Context, run *domain.Run, name string) error {
	if run.Status != domain.RunStatusRunning {
		return ErrRunNotRunning
	}

	if o.inflight.Load() >= o.threshold {
		o.logger.Warn("dispatch rejected by backpressure",
			"run_id", run.ID,
			"stage", name,
			"inflight", o.inflight.Load(),
		)
		telemetry.BackpressureRejections.Inc()
		return ErrBackpressureRejected
	}

	res, err := o.resolver.Resolve(ctx, run.ID, name)
	if err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			// Попытка уже выполняется.
			return nil
		}
		return fmt.Errorf("resolve idempotency: %w", err)
	}
	if res.Reuse {
		// Завершённая попытка уже есть — продвигаемся без диспатча.
		return o.advance(ctx, run)
	}

	if o.pub == nil {
		// Без MQ стадию не доставить: оставляем pending до реконнекта.
		o.logger.Debug("no publisher, dispatch deferred", "run_id", run.ID, "stage", name)
		return nil
	}

	payload := mq.StageDispatchPayload{
		RunID:          run.ID,
		Stage:          name,
		IdempotencyKey: res.Key,
		Attempt:        res.Attempt,
	}
	if err := o.pub.PublishStageDispatch(ctx, payload); err != nil {
		return fmt.Errorf("publish stage.dispatch: %w", err)
	}

	telemetry.StageDispatches.Inc()
	telemetry.InflightStages.Set(float64(o.inflight.Add(1)))

	o.logger.Info("stage dispatched",
		"run_id", run.ID,
		"stage", name,
		"attempt", res.Attempt,
		"idempotency_key", res.Key,
	)

	return nil
}

// finalizeRun завершает run, когда все стадии терминальны.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *domain.Run, stages []domain.Stage) error {
	ok, err := o.store.TransitionRunStatus(ctx, run.ID, domain.RunStatusRunning, domain.RunStatusCompleted)
	if err != nil {
		return fmt.Errorf("transition run to completed: %w", err)
	}
	if !ok {
		return nil
	}

	// Сворачиваем телеметрию стадий на run.
	run.MarkCompleted()
	run.Telemetry = make(map[string]domain.StageTelemetry, len(stages))
	for i := range stages {
		if stages[i].Telemetry != nil {
			run.Telemetry[stages[i].Name] = *stages[i].Telemetry
		}
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update completed run: %w", err)
	}

	o.logger.Info("run completed", "run_id", run.ID)
	return nil
}

// failRun переводит run в статус failed.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.Run, errMsg string) error {
	ok, err := o.store.TransitionRunStatus(ctx, run.ID, domain.RunStatusRunning, domain.RunStatusFailed)
	if err != nil {
		return fmt.Errorf("transition run to failed: %w", err)
	}
	if !ok {
		// Run уже финализирован (например отменён).
		return nil
	}

	run.MarkFailed(errMsg)
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update failed run: %w", err)
	}

	o.logger.Warn("run failed",
		"run_id", run.ID,
		"error", errMsg,
	)

	return nil
}

// releaseInflight уменьшает счётчик стадий в полёте, не уходя ниже нуля
// (после рестарта счётчик начинается с нуля, а завершения долетают).
func (o *Orchestrator) releaseInflight() {
	for {
		v := o.inflight.Load()
		if v <= 0 {
			return
		}
		if o.inflight.CompareAndSwap(v, v-1) {
			telemetry.InflightStages.Set(float64(v - 1))
			return
		}
	}
}
