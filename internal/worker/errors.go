package worker

import "errors"

// Ошибки воркера.
var (
	// ErrStageNotClaimable — стадию не удалось захватить
	// (дубликат доставки или стадия уже ушла вперёд).
	ErrStageNotClaimable = errors.New("stage is not claimable")

	// ErrUnknownStage — нет executor'а для данной стадии.
	ErrUnknownStage = errors.New("no executor for stage")

	// ErrExecutionTimeout — выполнение стадии превысило soft timeout.
	ErrExecutionTimeout = errors.New("stage execution timeout")

	// ErrRunCancelled — run отменён во время выполнения попытки.
	// Используется как причина снятия контекста executor'а.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — запрос к сервису стадии завершился ошибкой.
	ErrHTTPRequest = errors.New("stage service request failed")
)
