package budget

import "errors"

// Ошибки бюджетного контроля.
var (
	// ErrBudgetExceeded — проекция расхода превышает потолок стадии
	// с учётом допустимого перерасхода. Фатальная ошибка стадии.
	ErrBudgetExceeded = errors.New("stage budget exceeded")
)
