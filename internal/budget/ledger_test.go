package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

func seedRun(t *testing.T, m *repo.Memory, budgets map[string]int64) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Status:    domain.RunStatusPending,
		Budgets:   budgets,
		CreatedAt: time.Now(),
	}
	if err := m.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestAdmit_WithinCeiling(t *testing.T) {
	m := repo.NewMemory()
	run := seedRun(t, m, map[string]int64{domain.StageScrape: 100})
	ledger := NewLedger(m)

	if err := ledger.Admit(context.Background(), run, domain.StageScrape, 100); err != nil {
		t.Errorf("estimate at ceiling must be admitted: %v", err)
	}
	// Маржа 5%: проекция 105 на потолке 100 ещё допустима.
	if err := ledger.Admit(context.Background(), run, domain.StageScrape, 105); err != nil {
		t.Errorf("estimate within margin must be admitted: %v", err)
	}
	if err := ledger.Admit(context.Background(), run, domain.StageScrape, 106); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("estimate over margin must be rejected, got %v", err)
	}
}

func TestAdmit_ZeroCeilingUnlimited(t *testing.T) {
	m := repo.NewMemory()
	run := seedRun(t, m, nil)
	ledger := NewLedger(m)

	if err := ledger.Admit(context.Background(), run, domain.StageScrape, 1<<40); err != nil {
		t.Errorf("missing ceiling means unlimited: %v", err)
	}
}

func TestPost_OverrunBoundedByMargin(t *testing.T) {
	m := repo.NewMemory()
	run := seedRun(t, m, map[string]int64{domain.StageScrape: 50})
	ledger := NewLedger(m)
	ctx := context.Background()

	// Вызов начат до исчерпания потолка, фактическая стоимость 55:
	// расход фиксируется полностью, превышение сверх маржи фатально.
	total, exceeded, err := ledger.Post(ctx, run, domain.StageScrape, 55)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if total != 55 {
		t.Errorf("actual cost must be recorded in full, got %d", total)
	}
	if !exceeded {
		t.Error("55 over ceiling 50 exceeds the 5%% margin (52), must be flagged")
	}

	// Новые вызовы после превышения не допускаются.
	if err := ledger.Admit(ctx, run, domain.StageScrape, 1); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("admission after overrun must fail, got %v", err)
	}
}

func TestPost_WithinMarginNotExceeded(t *testing.T) {
	m := repo.NewMemory()
	run := seedRun(t, m, map[string]int64{domain.StageQA: 100})
	ledger := NewLedger(m)

	total, exceeded, err := ledger.Post(context.Background(), run, domain.StageQA, 105)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if total != 105 || exceeded {
		t.Errorf("105 on ceiling 100 is within the margin, got total=%d exceeded=%v", total, exceeded)
	}
}

func TestPost_ConcurrentNoLostUpdates(t *testing.T) {
	m := repo.NewMemory()
	run := seedRun(t, m, map[string]int64{domain.StageImages: 1_000_000})
	ledger := NewLedger(m)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := ledger.Post(context.Background(), run, domain.StageImages, 7); err != nil {
				t.Errorf("post: %v", err)
			}
		}()
	}
	wg.Wait()

	stage, err := m.GetStage(context.Background(), run.ID, domain.StageImages)
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage.BudgetSpent != 350 {
		t.Errorf("expected 350 after 50 posts of 7, got %d", stage.BudgetSpent)
	}
}
