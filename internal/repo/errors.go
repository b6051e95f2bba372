package repo

import "errors"

// Ошибки уровня хранилища. Слои выше различают их через errors.Is
// и переводят в свои ответы (HTTP-коды, nack, пропуск в батче).
var (
	// ErrNotFound — записи с таким ключом нет.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — нарушена уникальность (дубликат ключа).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — переход или операция запрещены текущим статусом.
	ErrInvalidState = errors.New("invalid state")
)
