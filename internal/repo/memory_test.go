package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

func newRun() *domain.Run {
	return &domain.Run{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Status:    domain.RunStatusPending,
		Budgets:   domain.DefaultBudgets(0),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemory_CreateRun_SeedsAllStagesPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()

	if err := m.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	stages, err := m.ListStages(ctx, run.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != len(domain.PipelineOrder) {
		t.Fatalf("expected %d stages, got %d", len(domain.PipelineOrder), len(stages))
	}
	for i, s := range stages {
		if s.Name != domain.PipelineOrder[i] {
			t.Errorf("position %d: expected %s, got %s", i, domain.PipelineOrder[i], s.Name)
		}
		if s.Status != domain.StageStatusPending {
			t.Errorf("stage %s should be pending, got %s", s.Name, s.Status)
		}
	}
}

func TestMemory_CreateRun_Duplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()

	if err := m.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := m.CreateRun(ctx, run); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemory_TransitionStage_CAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	ok, err := m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{})
	if err != nil || !ok {
		t.Fatalf("pending->running should succeed: ok=%v err=%v", ok, err)
	}

	// Повторный claim той же попытки обязан провалиться.
	ok, err = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Error("second claim of the same attempt must fail")
	}
}

func TestMemory_TransitionStage_InvalidEdgeLeavesStateUnchanged(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	_, _ = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{})
	_, _ = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusRunning, domain.StageStatusCompleted, TransitionPatch{})

	// completed -> running — ребро вне таблицы переходов.
	ok, err := m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusCompleted, domain.StageStatusRunning, TransitionPatch{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Error("completed -> running must be rejected")
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.Status != domain.StageStatusCompleted {
		t.Errorf("state should be unchanged, got %s", stage.Status)
	}
}

func TestMemory_SetStageRunTag_KeepsAttemptCounter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	attempt := 2
	_, _ = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{Attempt: &attempt})

	if err := m.SetStageRunTag(ctx, run.ID, domain.StageScrape, "a1b2c3d4"); err != nil {
		t.Fatalf("set run tag: %v", err)
	}

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.RunTag != "a1b2c3d4" {
		t.Errorf("run tag must be set, got %q", stage.RunTag)
	}
	// Свежий тег меняет ключ идемпотентности, но история попыток
	// продолжается с того же счётчика.
	if stage.Attempt != 2 {
		t.Errorf("attempt counter must survive the retag, got %d", stage.Attempt)
	}
}

func TestMemory_TransitionStage_ConcurrentClaimers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	const claimers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TransitionStage(ctx, run.ID, domain.StageScrape,
				domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("exactly one claimer must win, got %d", won)
	}
}

func TestMemory_RecordInvocation_DedupAndSummary(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	inv := &domain.Invocation{
		ID:          uuid.New(),
		RunID:       run.ID,
		Stage:       domain.StageCreatives,
		Provider:    "anthropic",
		Model:       "claude-sonnet",
		RequestHash: "abc123",
		InputUnits:  1000,
		OutputUnits: 200,
		CostMinor:   37,
		CreatedAt:   time.Now(),
	}

	inserted, err := m.RecordInvocation(ctx, inv)
	if err != nil || !inserted {
		t.Fatalf("first record should insert: %v %v", inserted, err)
	}

	// Replay того же вызова не удваивает агрегат.
	inserted, err = m.RecordInvocation(ctx, inv)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if inserted {
		t.Error("duplicate invocation must not be inserted")
	}

	s, err := m.GetStageSummary(ctx, run.ID, domain.StageCreatives)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if s.CostMinor != 37 || s.Invocations != 1 {
		t.Errorf("summary must equal the single invocation: %+v", s)
	}
}

func TestMemory_SummaryEqualsInvocationSum(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	var want int64
	for i := 0; i < 20; i++ {
		cost := int64(i + 1)
		want += cost
		_, err := m.RecordInvocation(ctx, &domain.Invocation{
			ID:        uuid.New(),
			RunID:     run.ID,
			Stage:     domain.StageAudiences,
			CostMinor: cost,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}

		// Инвариант держится в каждой точке наблюдения.
		s, err := m.GetStageSummary(ctx, run.ID, domain.StageAudiences)
		if err != nil {
			t.Fatalf("get summary: %v", err)
		}
		if s.CostMinor != want {
			t.Fatalf("after %d invocations: summary %d != sum %d", i+1, s.CostMinor, want)
		}
	}

	invs, _ := m.ListInvocations(ctx, run.ID)
	if len(invs) != 20 {
		t.Errorf("expected 20 invocations, got %d", len(invs))
	}
}

func TestMemory_AddStageSpend_Concurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	const posts = 50
	var wg sync.WaitGroup
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AddStageSpend(ctx, run.ID, domain.StageScrape, 2); err != nil {
				t.Errorf("add spend: %v", err)
			}
		}()
	}
	wg.Wait()

	stage, _ := m.GetStage(ctx, run.ID, domain.StageScrape)
	if stage.BudgetSpent != posts*2 {
		t.Errorf("no posting may be lost: got %d, want %d", stage.BudgetSpent, posts*2)
	}
}

func TestMemory_IncrementWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	start, end := domain.WindowBounds(time.Now(), time.Minute)
	for i := 1; i <= 3; i++ {
		count, err := m.IncrementWindow(ctx, "owner-1", start, end)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if count != int64(i) {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}

	// Другой caller — своё окно.
	count, _ := m.IncrementWindow(ctx, "owner-2", start, end)
	if count != 1 {
		t.Errorf("windows must be per caller key, got %d", count)
	}
}

func TestMemory_ListRetryable_RespectsBackoffAndAttempts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun()
	_ = m.CreateRun(ctx, run)

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	attempt := 1

	_, _ = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{Attempt: &attempt})
	reason := domain.ReasonTimeout
	_, _ = m.TransitionStage(ctx, run.ID, domain.StageScrape,
		domain.StageStatusRunning, domain.StageStatusFailed,
		TransitionPatch{Reason: &reason, NextRetryAt: &past})

	_, _ = m.TransitionStage(ctx, run.ID, domain.StageProcess,
		domain.StageStatusPending, domain.StageStatusRunning, TransitionPatch{Attempt: &attempt})
	_, _ = m.TransitionStage(ctx, run.ID, domain.StageProcess,
		domain.StageStatusRunning, domain.StageStatusFailed,
		TransitionPatch{Reason: &reason, NextRetryAt: &future})

	ready, err := m.ListRetryable(ctx, now, 10)
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if len(ready) != 1 || ready[0].Name != domain.StageScrape {
		t.Errorf("only scrape should be retryable now, got %v", ready)
	}
}
