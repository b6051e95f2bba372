// Package metering агрегирует телеметрию вызовов внешних executors.
//
// Каждый вызов записывается в append-only лог и одновременно
// сворачивается в суммарную статистику стадии. Запись и свёртка
// выполняются в одной транзакции, поэтому в любой момент сумма по
// логу совпадает с агрегатом. Повторная запись вызова с тем же ID
// не удваивает суммы.
package metering

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/budget"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Store — запись вызовов.
type Store interface {
	RecordInvocation(ctx context.Context, inv *domain.Invocation) (bool, error)
}

// Aggregator принимает отчёты о вызовах и проводит их стоимость
// через бюджетный леджер.
type Aggregator struct {
	store  Store
	ledger *budget.Ledger
}

// NewAggregator создаёт Aggregator.
func NewAggregator(store Store, ledger *budget.Ledger) *Aggregator {
	return &Aggregator{store: store, ledger: ledger}
}

// Record фиксирует вызов и его стоимость.
//
// Возвращает true, если после проводки расход стадии превысил потолок
// с маржей. Дубликат вызова (по ID) игнорируется: ни лог, ни агрегат,
// ни леджер не меняются.
func (a *Aggregator) Record(ctx context.Context, run *domain.Run, inv *domain.Invocation) (bool, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	inserted, err := a.store.RecordInvocation(ctx, inv)
	if err != nil {
		return false, fmt.Errorf("record invocation: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if inv.CostMinor == 0 {
		return false, nil
	}
	_, exceeded, err := a.ledger.Post(ctx, run, inv.Stage, inv.CostMinor)
	if err != nil {
		return false, fmt.Errorf("post cost: %w", err)
	}
	return exceeded, nil
}

// HashRequest возвращает sha256 запроса в hex. Сырой payload с
// секретами в хранилище не попадает, только хэш.
func HashRequest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
