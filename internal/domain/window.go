package domain

import "time"

// RateLimitWindow — окно фиксированной ширины для одного caller key.
//
// Пара (key, window_start, window_end) уникальна; каждый запрос
// принадлежит ровно одному окну. Границы окон абсолютные
// (не скользящие) — инкремент остаётся O(1) одной атомарной
// операцией над одной строкой.
//
// Окна создаются лениво на первом запросе и после истечения
// становятся инертными (но не обязательно удаляются).
type RateLimitWindow struct {
	// CallerKey — ключ вызывающего (владелец, API-ключ).
	CallerKey string `json:"caller_key"`

	// WindowStart — начало окна (включительно).
	WindowStart time.Time `json:"window_start"`

	// WindowEnd — конец окна (не включительно).
	WindowEnd time.Time `json:"window_end"`

	// Count — счётчик запросов в окне. Монотонно растёт.
	Count int64 `json:"count"`
}

// WindowBounds возвращает абсолютные границы окна, содержащего момент t.
func WindowBounds(t time.Time, width time.Duration) (start, end time.Time) {
	start = t.Truncate(width)
	return start, start.Add(width)
}
