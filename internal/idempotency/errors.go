package idempotency

import "errors"

// Ошибки резолвера.
var (
	// ErrConflict — попытка этого ключа уже выполняется.
	ErrConflict = errors.New("idempotency conflict")

	// ErrUnknownStage — имя не входит в объявленный конвейер.
	ErrUnknownStage = errors.New("unknown pipeline stage")
)
