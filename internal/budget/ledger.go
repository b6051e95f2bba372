// Package budget ведёт учёт расходов стадий против потолков run.
//
// Потолки задаются при создании run в минорных единицах валюты.
// Ledger допускает контролируемый перерасход: вызов, начатый до
// исчерпания потолка, довершается, но суммарный перерасход не
// превышает фиксированной маржи сверх потолка.
package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// MarginPercent — допустимый перерасход сверх потолка стадии.
const MarginPercent = 5

// Store — доступ к текущему расходу стадий.
type Store interface {
	GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error)
	AddStageSpend(ctx context.Context, runID uuid.UUID, name string, delta int64) (int64, error)
}

// Ledger проверяет и фиксирует расходы стадий.
type Ledger struct {
	store Store
}

// NewLedger создаёт Ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// hardCeiling возвращает потолок с учётом маржи.
func hardCeiling(ceiling int64) int64 {
	return ceiling + ceiling*MarginPercent/100
}

// Admit проверяет, допустим ли вызов с оценкой стоимости estimate.
//
// Проекция = текущий расход + estimate. Возвращает ErrBudgetExceeded,
// если проекция превышает потолок с маржей. Потолок 0 означает
// отсутствие лимита. Проверка оптимистична: между Admit и Post
// конкурентные вызовы могут поднять расход, поэтому Post отдельно
// сообщает о фактическом превышении.
func (l *Ledger) Admit(ctx context.Context, run *domain.Run, stageName string, estimate int64) error {
	ceiling := run.BudgetFor(stageName)
	if ceiling <= 0 {
		return nil
	}

	stage, err := l.store.GetStage(ctx, run.ID, stageName)
	if err != nil {
		return fmt.Errorf("get stage: %w", err)
	}

	projected := stage.BudgetSpent + estimate
	if projected > hardCeiling(ceiling) {
		return fmt.Errorf("%w: stage %s projected %d over ceiling %d (margin %d%%)",
			ErrBudgetExceeded, stageName, projected, ceiling, MarginPercent)
	}
	return nil
}

// Post атомарно фиксирует фактическую стоимость завершённого вызова.
//
// Возвращает новый суммарный расход стадии и true, если он превысил
// потолок с маржей. Превышение здесь фатально для стадии: вызов уже
// выполнен и оплачен, но новые вызовы стадии запускаться не должны.
func (l *Ledger) Post(ctx context.Context, run *domain.Run, stageName string, cost int64) (int64, bool, error) {
	total, err := l.store.AddStageSpend(ctx, run.ID, stageName, cost)
	if err != nil {
		return 0, false, fmt.Errorf("add spend: %w", err)
	}

	ceiling := run.BudgetFor(stageName)
	if ceiling <= 0 {
		return total, false, nil
	}
	return total, total > hardCeiling(ceiling), nil
}
