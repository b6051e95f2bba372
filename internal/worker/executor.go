package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StageRequest — запрос на выполнение попытки стадии.
type StageRequest struct {
	// RunID — идентификатор run.
	RunID uuid.UUID

	// Stage — имя стадии конвейера.
	Stage string

	// IdempotencyKey — ключ попытки. Executor обязан сделать свои
	// side effects идемпотентными по этому ключу.
	IdempotencyKey string

	// Attempt — номер попытки (с 1).
	Attempt int

	// Input — входной документ run.
	Input map[string]any
}

// StageResult — результат выполнения попытки стадии.
type StageResult struct {
	// Telemetry — документ телеметрии стадии.
	Telemetry *domain.StageTelemetry

	// Assets — произведённые артефакты.
	Assets []domain.Asset

	// Invocations — вызовы внешних провайдеров, сделанные стадией
	// (идут в append-only лог и в бюджетный леджер).
	Invocations []domain.Invocation

	// Notes — заметки для оператора.
	Notes string

	// Error — логическая ошибка выполнения. Инфраструктурные
	// ошибки возвращаются через error в Execute().
	Error string
}

// Executor — интерфейс для выполнения конкретной стадии.
//
// ctx несёт soft timeout стадии. Превышение трактуется как
// reason timeout, а не executor_error.
type Executor interface {
	Execute(ctx context.Context, req *StageRequest) (*StageResult, error)
}

// Registry — реестр executor'ов по имени стадии.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр, где каждая стадия конвейера
// обслуживается переданным executor'ом по умолчанию.
func NewRegistry(def Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor, len(domain.PipelineOrder))}
	if def != nil {
		for _, name := range domain.PipelineOrder {
			r.Register(name, def)
		}
	}
	return r
}

// Register добавляет executor для стадии.
func (r *Registry) Register(stage string, executor Executor) {
	r.executors[stage] = executor
}

// Get возвращает executor для стадии.
func (r *Registry) Get(stage string) (Executor, error) {
	executor, ok := r.executors[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return executor, nil
}
