package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/budget"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// handleStageDispatch обрабатывает сообщение из очереди stages.dispatch.
//
// Возврат nil подтверждает сообщение (поздний ack). Ошибки доступа
// к БД возвращают сообщение в очередь.
func (w *Worker) handleStageDispatch(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StageDispatchPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse stage.dispatch payload", "error", err)
		return mq.ErrDrop
	}

	w.logger.Debug("received stage.dispatch event",
		"run_id", payload.RunID,
		"stage", payload.Stage,
		"attempt", payload.Attempt,
	)

	if err := w.ProcessDispatch(ctx, payload); err != nil {
		if errors.Is(err, ErrStageNotClaimable) {
			// Дубликат доставки — подтверждаем без выполнения.
			w.logger.Debug("stage not claimed",
				"run_id", payload.RunID,
				"stage", payload.Stage,
			)
			return nil
		}
		w.logger.Error("failed to process dispatch",
			"run_id", payload.RunID,
			"stage", payload.Stage,
			"error", err,
		)
		return err
	}

	return nil
}

// ProcessDispatch выполняет одну попытку стадии от захвата до результата.
func (w *Worker) ProcessDispatch(ctx context.Context, payload mq.StageDispatchPayload) error {
	run, err := w.store.GetRun(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.logger.Debug("dispatch for unknown run", "run_id", payload.RunID)
			return nil
		}
		return fmt.Errorf("get run: %w", err)
	}

	// Диспатч для завершённого или отменённого run устарел.
	if run.Status != domain.RunStatusRunning {
		w.logger.Debug("dispatch for non-running run",
			"run_id", run.ID,
			"status", run.Status,
		)
		return nil
	}

	// Захват попытки: pending→running через CAS. Проигравший
	// дубликат доставки сюда не проходит.
	now := time.Now()
	attempt := payload.Attempt
	ok, err := w.store.TransitionStage(ctx, run.ID, payload.Stage,
		domain.StageStatusPending, domain.StageStatusRunning,
		repo.TransitionPatch{Attempt: &attempt, StartedAt: &now})
	if err != nil {
		return fmt.Errorf("claim stage: %w", err)
	}
	if !ok {
		return ErrStageNotClaimable
	}

	w.logger.Info("stage attempt started",
		"run_id", run.ID,
		"stage", payload.Stage,
		"attempt", attempt,
	)

	// Потолок уже пробит — вызов даже не начинается.
	if w.ledger != nil {
		if err := w.ledger.Admit(ctx, run, payload.Stage, 0); err != nil {
			if errors.Is(err, budget.ErrBudgetExceeded) {
				telemetry.BudgetRejections.Inc()
				return w.failStage(ctx, run, payload, domain.ReasonBudgetExceeded, err.Error())
			}
			return fmt.Errorf("admit budget: %w", err)
		}
	}

	// Лимит вызовов внешних провайдеров.
	if w.limiter != nil {
		if err := w.limiter.Allow(ctx, "stage:"+payload.Stage); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				// Окно исчерпано: попытка откладывается через retry.
				telemetry.RateLimitRejections.Inc()
				return w.failStage(ctx, run, payload, domain.ReasonExecutorError, err.Error())
			}
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	executor, err := w.registry.Get(payload.Stage)
	if err != nil {
		return w.failStage(ctx, run, payload, domain.ReasonExecutorError, err.Error())
	}

	// Soft timeout стадии. Отмена run во время выполнения снимает
	// контекст executor'а, не дожидаясь конца попытки.
	timeout := domain.SoftTimeout(payload.Stage)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execCtx, stopWatch := w.watchRunCancelled(execCtx, run.ID)
	defer stopWatch()

	result, execErr := executor.Execute(execCtx, &StageRequest{
		RunID:          run.ID,
		Stage:          payload.Stage,
		IdempotencyKey: payload.IdempotencyKey,
		Attempt:        attempt,
		Input:          run.Input,
	})

	if execErr != nil {
		reason := domain.ReasonExecutorError
		notes := execErr.Error()
		switch {
		case errors.Is(context.Cause(execCtx), ErrRunCancelled):
			reason = domain.ReasonCancelled
			notes = ErrRunCancelled.Error()
		case errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
			reason = domain.ReasonTimeout
		}
		return w.failStage(ctx, run, payload, reason, notes)
	}
	if result == nil {
		result = &StageResult{}
	}
	if result.Error != "" {
		return w.failStage(ctx, run, payload, domain.ReasonExecutorError, result.Error)
	}

	// Результат получен — фиксируем артефакты и вызовы до смены
	// статуса, чтобы повторная доставка нашла их по тем же ID.
	if err := w.recordAssets(ctx, run.ID, payload.Stage, result.Assets); err != nil {
		return err
	}

	exceeded, err := w.recordInvocations(ctx, run, result.Invocations)
	if err != nil {
		return err
	}
	if exceeded {
		// Вызов довершён и оплачен, но потолок с маржей пробит.
		return w.failStage(ctx, run, payload, domain.ReasonBudgetExceeded,
			fmt.Sprintf("stage %s overran its budget ceiling", payload.Stage))
	}

	// Отмена во время выполнения: результат не продвигает конвейер.
	fresh, err := w.store.GetRun(ctx, run.ID)
	if err == nil && fresh.Status == domain.RunStatusCancelled {
		return w.failStage(ctx, run, payload, domain.ReasonCancelled, "run cancelled during execution")
	}

	return w.completeStage(ctx, run, payload, result)
}

// completeStage переводит стадию в completed и публикует результат.
func (w *Worker) completeStage(ctx context.Context, run *domain.Run, payload mq.StageDispatchPayload, result *StageResult) error {
	finished := time.Now()
	patch := repo.TransitionPatch{FinishedAt: &finished}
	if result.Telemetry != nil {
		patch.Telemetry = result.Telemetry
	}
	if result.Notes != "" {
		patch.Notes = &result.Notes
	}

	ok, err := w.store.TransitionStage(ctx, run.ID, payload.Stage,
		domain.StageStatusRunning, domain.StageStatusCompleted, patch)
	if err != nil {
		return fmt.Errorf("complete stage: %w", err)
	}
	if !ok {
		// Стадию увели из running (например timeout sweep).
		w.logger.Warn("stage moved during execution",
			"run_id", run.ID,
			"stage", payload.Stage,
		)
		return nil
	}

	telemetry.StageCompletions.WithLabelValues(string(domain.StageStatusCompleted)).Inc()

	w.logger.Info("stage attempt completed",
		"run_id", run.ID,
		"stage", payload.Stage,
		"attempt", payload.Attempt,
	)

	w.publishCompletion(ctx, mq.StageCompletedPayload{
		RunID:   run.ID,
		Stage:   payload.Stage,
		Status:  string(domain.StageStatusCompleted),
		Notes:   result.Notes,
		Attempt: payload.Attempt,
	})
	return nil
}

// failStage переводит стадию в failed и планирует retry, если он положен.
func (w *Worker) failStage(ctx context.Context, run *domain.Run, payload mq.StageDispatchPayload, reason domain.FailureReason, notes string) error {
	finished := time.Now()
	patch := repo.TransitionPatch{
		Reason:     &reason,
		FinishedAt: &finished,
	}
	if notes != "" {
		patch.Notes = &notes
	}
	if reason.Retryable() && payload.Attempt < domain.MaxAttempts {
		probe := domain.Stage{Attempt: payload.Attempt}
		retryAt := time.Now().Add(probe.RetryBackoff())
		patch.NextRetryAt = &retryAt
	}

	ok, err := w.store.TransitionStage(ctx, run.ID, payload.Stage,
		domain.StageStatusRunning, domain.StageStatusFailed, patch)
	if err != nil {
		return fmt.Errorf("fail stage: %w", err)
	}
	if !ok {
		w.logger.Warn("stage moved before failure could be recorded",
			"run_id", run.ID,
			"stage", payload.Stage,
		)
		return nil
	}

	telemetry.StageCompletions.WithLabelValues(string(domain.StageStatusFailed)).Inc()
	telemetry.StageFailures.WithLabelValues(string(reason)).Inc()

	w.logger.Warn("stage attempt failed",
		"run_id", run.ID,
		"stage", payload.Stage,
		"attempt", payload.Attempt,
		"reason", reason,
		"notes", notes,
	)

	w.publishCompletion(ctx, mq.StageCompletedPayload{
		RunID:   run.ID,
		Stage:   payload.Stage,
		Status:  string(domain.StageStatusFailed),
		Reason:  string(reason),
		Notes:   notes,
		Attempt: payload.Attempt,
	})
	return nil
}

// watchRunCancelled следит за статусом run, пока идёт попытка, и
// снимает производный контекст с причиной ErrRunCancelled, как только
// run отменён. Возвращённая функция останавливает наблюдение.
func (w *Worker) watchRunCancelled(ctx context.Context, runID uuid.UUID) (context.Context, context.CancelFunc) {
	watched, cancelCause := context.WithCancelCause(ctx)

	go func() {
		ticker := time.NewTicker(w.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-watched.Done():
				return
			case <-ticker.C:
				run, err := w.store.GetRun(ctx, runID)
				if err != nil {
					continue
				}
				if run.Status == domain.RunStatusCancelled {
					cancelCause(ErrRunCancelled)
					return
				}
			}
		}
	}()

	return watched, func() { cancelCause(nil) }
}

// publishCompletion публикует событие stage.completed.
func (w *Worker) publishCompletion(ctx context.Context, payload mq.StageCompletedPayload) {
	if w.pub == nil {
		return
	}
	if err := w.pub.PublishStageCompleted(ctx, payload); err != nil {
		// Стадия обновлена в БД — оркестратор подхватит через polling.
		w.logger.Warn("failed to publish stage.completed",
			"run_id", payload.RunID,
			"stage", payload.Stage,
			"error", err,
		)
	}
}

// recordAssets сохраняет артефакты стадии.
func (w *Worker) recordAssets(ctx context.Context, runID uuid.UUID, stage string, assets []domain.Asset) error {
	for i := range assets {
		asset := assets[i]
		if asset.ID == uuid.Nil {
			asset.ID = uuid.New()
		}
		asset.RunID = runID
		asset.Stage = stage
		if asset.CreatedAt.IsZero() {
			asset.CreatedAt = time.Now()
		}
		if err := w.store.CreateAsset(ctx, &asset); err != nil {
			return fmt.Errorf("create asset: %w", err)
		}
	}
	return nil
}

// recordInvocations проводит вызовы через агрегатор.
// Возвращает true, если хотя бы одна проводка пробила потолок.
func (w *Worker) recordInvocations(ctx context.Context, run *domain.Run, invocations []domain.Invocation) (bool, error) {
	if w.aggregator == nil {
		return false, nil
	}

	var exceeded bool
	for i := range invocations {
		inv := invocations[i]
		over, err := w.aggregator.Record(ctx, run, &inv)
		if err != nil {
			return false, fmt.Errorf("record invocation: %w", err)
		}
		if over {
			exceeded = true
		}
	}
	return exceeded, nil
}
