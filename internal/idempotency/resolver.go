// Package idempotency предотвращает повторное выполнение попыток стадий.
//
// Ключ попытки: {run_id}:{stage_name}:{run_tag}. Resolver смотрит на
// текущую попытку ключа и решает:
//   - completed  — диспатч пропускается, результат переиспользуется;
//   - running    — новый диспатч отклоняется как конфликт
//     (не больше одного конкурентного выполнения на ключ);
//   - failed     — допускается новая попытка под тем же ключом
//     с инкрементом внутреннего счётчика попыток.
package idempotency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StageStore — доступ к текущему состоянию стадий.
type StageStore interface {
	GetStage(ctx context.Context, runID uuid.UUID, name string) (*domain.Stage, error)
}

// Resolver разрешает ключи идемпотентности перед диспатчем.
type Resolver struct {
	stages StageStore
}

// NewResolver создаёт Resolver.
func NewResolver(stages StageStore) *Resolver {
	return &Resolver{stages: stages}
}

// Resolution — решение по ключу.
type Resolution struct {
	// Key — ключ идемпотентности попытки.
	Key string

	// Reuse — true, если завершённая попытка уже существует и
	// её результат переиспользуется (без повторного вызова,
	// без дублирования side effects).
	Reuse bool

	// Attempt — номер новой попытки, если Reuse=false.
	Attempt int

	// Stage — текущее состояние стадии.
	Stage *domain.Stage
}

// Resolve возвращает решение для пары (run, stage).
//
// Возвращает ErrConflict, если попытка ключа уже выполняется.
func (r *Resolver) Resolve(ctx context.Context, runID uuid.UUID, name string) (*Resolution, error) {
	if !domain.IsPipelineStage(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}

	stage, err := r.stages.GetStage(ctx, runID, name)
	if err != nil {
		return nil, fmt.Errorf("get stage: %w", err)
	}

	res := &Resolution{Key: stage.IdempotencyKey(), Stage: stage}

	switch stage.Status {
	case domain.StageStatusCompleted, domain.StageStatusSkipped:
		// Завершённая попытка есть — без повторного вызова.
		res.Reuse = true
		return res, nil

	case domain.StageStatusRunning:
		return nil, fmt.Errorf("%w: %s", ErrConflict, res.Key)

	case domain.StageStatusPending, domain.StageStatusFailed:
		res.Attempt = stage.Attempt + 1
		return res, nil

	default:
		return nil, fmt.Errorf("unexpected stage status %q for %s", stage.Status, res.Key)
	}
}
