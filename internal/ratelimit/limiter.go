// Package ratelimit ограничивает частоту запросов к внешним провайдерам
// и к публичному API фиксированными окнами.
//
// Границы окна абсолютны: текущая минута делит время на интервалы
// [t0, t0+width), одинаковые для всех процессов. Счётчик окна живёт
// в общем хранилище, поэтому лимит действует на инсталляцию в целом,
// а не на один процесс.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Config — параметры лимитера.
type Config struct {
	// Limit — базовый лимит запросов на окно.
	Limit int64

	// Burst — верхний потолок с учётом кратковременных всплесков.
	// 0 означает, что потолком служит Limit.
	Burst int64

	// Width — ширина окна.
	Width time.Duration
}

// DefaultConfig — 60 запросов в минуту с burst до 120.
func DefaultConfig() Config {
	return Config{Limit: 60, Burst: 120, Width: time.Minute}
}

// ceiling возвращает эффективный потолок окна.
func (c Config) ceiling() int64 {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.Limit
}

// Store — разделяемые счётчики окон.
type Store interface {
	IncrementWindow(ctx context.Context, callerKey string, start, end time.Time) (int64, error)
}

// Limiter — лимитер с фиксированными окнами.
type Limiter struct {
	store Store
	cfg   Config
}

// NewLimiter создаёт Limiter.
func NewLimiter(store Store, cfg Config) *Limiter {
	if cfg.Width <= 0 {
		cfg.Width = time.Minute
	}
	return &Limiter{store: store, cfg: cfg}
}

// Allow регистрирует запрос в текущем окне.
func (l *Limiter) Allow(ctx context.Context, callerKey string) error {
	return l.AllowAt(ctx, callerKey, time.Now())
}

// AllowAt регистрирует запрос в окне, содержащем момент now.
//
// Возвращает ErrRateLimited, если счётчик окна превысил потолок.
// Инкремент атомарен, поэтому при конкурентных вызовах ровно
// ceiling запросов окна проходят, остальные отклоняются.
func (l *Limiter) AllowAt(ctx context.Context, callerKey string, now time.Time) error {
	start, end := domain.WindowBounds(now, l.cfg.Width)

	count, err := l.store.IncrementWindow(ctx, callerKey, start, end)
	if err != nil {
		return fmt.Errorf("increment window: %w", err)
	}
	if count > l.cfg.ceiling() {
		return fmt.Errorf("%w: %s has %d requests in window starting %s",
			ErrRateLimited, callerKey, count, start.Format(time.RFC3339))
	}
	return nil
}
