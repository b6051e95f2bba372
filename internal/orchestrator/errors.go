package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotPending — run не в статусе pending.
	ErrRunNotPending = errors.New("run is not in pending status")

	// ErrRunNotRunning — run не выполняется, диспатч стадий запрещён.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrBackpressureRejected — диспатчер перегружен, попытка отклонена.
	// Стадия остаётся pending и будет подхвачена следующим циклом.
	ErrBackpressureRejected = errors.New("dispatcher backpressure: too many in-flight stages")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
