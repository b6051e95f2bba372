package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/budget"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/metering"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
)

// fakeCompletions собирает опубликованные завершения.
type fakeCompletions struct {
	mu       sync.Mutex
	payloads []mq.StageCompletedPayload
}

func (f *fakeCompletions) PublishStageCompleted(_ context.Context, payload mq.StageCompletedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeCompletions) last(t *testing.T) mq.StageCompletedPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatal("no completion published")
	}
	return f.payloads[len(f.payloads)-1]
}

// failingExecutor возвращает заданную ошибку.
type failingExecutor struct {
	infraErr error
	logical  string
}

func (e *failingExecutor) Execute(context.Context, *StageRequest) (*StageResult, error) {
	if e.infraErr != nil {
		return nil, e.infraErr
	}
	return &StageResult{Error: e.logical}, nil
}

func newTestWorker(m *repo.Memory, pub Publisher, registry *Registry) *Worker {
	ledger := budget.NewLedger(m)
	return New(Config{
		Store:      m,
		Publisher:  pub,
		Registry:   registry,
		Ledger:     ledger,
		Aggregator: metering.NewAggregator(m, ledger),
	})
}

func seedRunningRun(t *testing.T, m *repo.Memory, budgets map[string]int64) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Status:    domain.RunStatusPending,
		Input:     map[string]any{"url": "https://example.com"},
		Budgets:   budgets,
		CreatedAt: time.Now(),
	}
	if err := m.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	ok, err := m.TransitionRunStatus(context.Background(), run.ID, domain.RunStatusPending, domain.RunStatusRunning)
	if err != nil || !ok {
		t.Fatalf("start run: ok=%v err=%v", ok, err)
	}
	run.Status = domain.RunStatusRunning
	return run
}

func dispatchFor(run *domain.Run, stage string, attempt int) mq.StageDispatchPayload {
	return mq.StageDispatchPayload{
		RunID:          run.ID,
		Stage:          stage,
		IdempotencyKey: run.ID.String() + ":" + stage + ":",
		Attempt:        attempt,
	}
}

func TestProcessDispatch_Success(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&StubExecutor{CostMinor: 7}))
	run := seedRunningRun(t, m, map[string]int64{domain.StageScrape: 1000})
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, err := m.GetStage(ctx, run.ID, domain.StageScrape)
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage.Status != domain.StageStatusCompleted {
		t.Errorf("stage must complete, got %s", stage.Status)
	}
	if stage.Attempt != 1 {
		t.Errorf("attempt must be recorded, got %d", stage.Attempt)
	}
	if stage.Telemetry == nil || stage.Telemetry.Stage != domain.StageScrape {
		t.Error("stage telemetry must be recorded")
	}
	if stage.BudgetSpent != 7 {
		t.Errorf("invocation cost must be posted, spent=%d", stage.BudgetSpent)
	}

	sum, err := m.GetStageSummary(ctx, run.ID, domain.StageScrape)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if sum.Invocations != 1 || sum.CostMinor != 7 {
		t.Errorf("summary must aggregate the invocation: count=%d cost=%d", sum.Invocations, sum.CostMinor)
	}

	done := pub.last(t)
	if done.Status != string(domain.StageStatusCompleted) || done.Stage != domain.StageScrape {
		t.Errorf("unexpected completion payload: %+v", done)
	}
}

func TestProcessDispatch_DuplicateDeliveryNotExecutedTwice(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&StubExecutor{CostMinor: 7}))
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	payload := dispatchFor(run, domain.StageScrape, 1)
	if err := w.ProcessDispatch(ctx, payload); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	err := w.ProcessDispatch(ctx, payload)
	if !errors.Is(err, ErrStageNotClaimable) {
		t.Fatalf("duplicate must not claim the stage, got %v", err)
	}

	sum, err := m.GetStageSummary(ctx, run.ID, domain.StageScrape)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if sum.Invocations != 1 {
		t.Errorf("duplicate delivery must not double invocations, got %d", sum.Invocations)
	}
}

func TestProcessDispatch_LogicalFailureSchedulesRetry(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&failingExecutor{logical: "validation failed"}))
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageProcess, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageProcess)
	if stage.Status != domain.StageStatusFailed {
		t.Fatalf("stage must fail, got %s", stage.Status)
	}
	if stage.Reason != domain.ReasonExecutorError {
		t.Errorf("expected executor_error, got %s", stage.Reason)
	}
	if stage.NextRetryAt == nil {
		t.Error("retryable failure with attempts left must schedule a retry")
	}
	if stage.Notes != "validation failed" {
		t.Errorf("notes must carry the failure detail, got %q", stage.Notes)
	}

	done := pub.last(t)
	if done.Status != string(domain.StageStatusFailed) || done.Reason != string(domain.ReasonExecutorError) {
		t.Errorf("unexpected completion payload: %+v", done)
	}
}

func TestProcessDispatch_TimeoutReason(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&failingExecutor{infraErr: context.DeadlineExceeded}))
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Reason != domain.ReasonTimeout {
		t.Errorf("deadline overrun must map to timeout, got %s", stage.Reason)
	}
	if stage.NextRetryAt == nil {
		t.Error("timeout is retryable, retry must be scheduled")
	}
}

func TestProcessDispatch_ExhaustedAttemptsNoRetry(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&failingExecutor{infraErr: context.DeadlineExceeded}))
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, domain.MaxAttempts)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusFailed {
		t.Fatalf("stage must fail, got %s", stage.Status)
	}
	if stage.NextRetryAt != nil {
		t.Error("no retry may be scheduled after the attempt cap")
	}
}

func TestProcessDispatch_BudgetExceededBeforeExecution(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	executed := false
	registry := NewRegistry(executorFunc(func(context.Context, *StageRequest) (*StageResult, error) {
		executed = true
		return &StageResult{}, nil
	}))
	w := newTestWorker(m, pub, registry)
	run := seedRunningRun(t, m, map[string]int64{domain.StageScrape: 50})
	ctx := context.Background()

	// Расход уже выше потолка с маржей (52).
	if _, err := m.AddStageSpend(ctx, run.ID, domain.StageScrape, 60); err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	if executed {
		t.Error("executor must not run when the ceiling is already exceeded")
	}
	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Reason != domain.ReasonBudgetExceeded {
		t.Errorf("expected budget_exceeded, got %s", stage.Reason)
	}
	if stage.NextRetryAt != nil {
		t.Error("budget_exceeded is fatal, no retry")
	}
}

func TestProcessDispatch_OverrunOnPostFailsStage(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&StubExecutor{CostMinor: 55}))
	run := seedRunningRun(t, m, map[string]int64{domain.StageScrape: 50})
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusFailed || stage.Reason != domain.ReasonBudgetExceeded {
		t.Errorf("overrun past the margin must fail the stage: %s/%s", stage.Status, stage.Reason)
	}
	// Вызов уже сделан и оплачен — расход записан полностью.
	if stage.BudgetSpent != 55 {
		t.Errorf("actual cost must be recorded, got %d", stage.BudgetSpent)
	}
}

func TestProcessDispatch_StaleDispatchForFinishedRun(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	w := newTestWorker(m, pub, NewRegistry(&StubExecutor{}))
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	ok, err := m.TransitionRunStatus(ctx, run.ID, domain.RunStatusRunning, domain.RunStatusCancelled)
	if err != nil || !ok {
		t.Fatalf("cancel run: ok=%v err=%v", ok, err)
	}

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("stale dispatch must be acked quietly: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusPending {
		t.Errorf("stage must stay pending, got %s", stage.Status)
	}
}

func TestProcessDispatch_AssetsRecorded(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	registry := NewRegistry(executorFunc(func(_ context.Context, req *StageRequest) (*StageResult, error) {
		tel := stubTelemetry(req.Stage)
		return &StageResult{
			Telemetry: &tel,
			Assets: []domain.Asset{
				{Type: "image", StorageKey: "runs/x/banner-1.png"},
				{Type: "image", StorageKey: "runs/x/banner-2.png"},
			},
		}, nil
	}))
	w := newTestWorker(m, pub, registry)
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageImages, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	assets, err := m.ListAssets(ctx, run.ID)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	for _, a := range assets {
		if a.RunID != run.ID || a.Stage != domain.StageImages || a.ID == uuid.Nil {
			t.Errorf("asset must be bound to the run and stage: %+v", a)
		}
	}
}

func TestProcessDispatch_RateLimited(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	ledger := budget.NewLedger(m)
	w := New(Config{
		Store:      m,
		Publisher:  pub,
		Registry:   NewRegistry(&StubExecutor{}),
		Ledger:     ledger,
		Aggregator: metering.NewAggregator(m, ledger),
		// Лимит 0: первый же запрос окна отклоняется.
		Limiter: ratelimit.NewLimiter(m, ratelimit.Config{Limit: 0, Width: time.Minute}),
	})

	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusFailed {
		t.Fatalf("rate limited attempt must fail for later retry, got %s", stage.Status)
	}
	if stage.NextRetryAt == nil {
		t.Error("rate limited attempt must schedule a retry")
	}
}

func TestProcessDispatch_CancellationPreemptsExecutor(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeCompletions{}
	run := seedRunningRun(t, m, nil)
	ctx := context.Background()

	// Executor отменяет run и ждёт: снятие контекста должно прервать
	// его, а не дожидаться конца попытки.
	registry := NewRegistry(executorFunc(func(execCtx context.Context, _ *StageRequest) (*StageResult, error) {
		ok, err := m.TransitionRunStatus(ctx, run.ID, domain.RunStatusRunning, domain.RunStatusCancelled)
		if err != nil || !ok {
			t.Errorf("cancel run: ok=%v err=%v", ok, err)
		}
		select {
		case <-execCtx.Done():
			return nil, execCtx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("executor was not preempted")
		}
	}))

	ledger := budget.NewLedger(m)
	w := New(Config{
		Store:              m,
		Publisher:          pub,
		Registry:           registry,
		Ledger:             ledger,
		Aggregator:         metering.NewAggregator(m, ledger),
		CancelPollInterval: 5 * time.Millisecond,
	})

	if err := w.ProcessDispatch(ctx, dispatchFor(run, domain.StageScrape, 1)); err != nil {
		t.Fatalf("process dispatch: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusFailed {
		t.Fatalf("preempted attempt must fail, got %s", stage.Status)
	}
	if stage.Reason != domain.ReasonCancelled {
		t.Errorf("expected cancelled, got %s", stage.Reason)
	}
	if stage.NextRetryAt != nil {
		t.Error("cancelled is fatal, no retry")
	}

	done := pub.last(t)
	if done.Reason != string(domain.ReasonCancelled) {
		t.Errorf("completion must carry the cancellation, got %+v", done)
	}
}

// executorFunc адаптирует функцию к интерфейсу Executor.
type executorFunc func(ctx context.Context, req *StageRequest) (*StageResult, error)

func (f executorFunc) Execute(ctx context.Context, req *StageRequest) (*StageResult, error) {
	return f(ctx, req)
}
