package domain

import (
	"time"

	"github.com/google/uuid"
)

// Invocation — один биллингуемый вызов провайдера (модель, сервис)
// внутри стадии. Создаётся один раз и никогда не мутируется.
//
// RequestHash — хэш запроса для дедупликации и аудита;
// сырой payload с секретами никогда не сохраняется.
type Invocation struct {
	// ID — уникальный идентификатор вызова.
	// Агрегация идемпотентна по этому ID: повторная запись
	// того же вызова не удваивает суммы.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// Stage — имя стадии, в которой произошёл вызов.
	Stage string `json:"stage"`

	// Provider — провайдер ("anthropic", "replicate", ...).
	Provider string `json:"provider"`

	// Model — идентификатор модели или сервиса.
	Model string `json:"model"`

	// RequestHash — sha256 запроса.
	RequestHash string `json:"request_hash"`

	// InputUnits — количество входных единиц (токены, страницы).
	InputUnits int64 `json:"input_units"`

	// OutputUnits — количество выходных единиц.
	OutputUnits int64 `json:"output_units"`

	// CostMinor — стоимость в минорных единицах валюты.
	CostMinor int64 `json:"cost_minor"`

	// LatencyMs — длительность вызова в миллисекундах.
	LatencyMs int64 `json:"latency_ms"`

	// CreatedAt — время записи.
	CreatedAt time.Time `json:"created_at"`
}

// StageCostSummary — производный агрегат, одна строка на (run, stage).
//
// Инвариант: в любой момент наблюдения суммы равны сумме
// Invocation-записей этой стадии (reconciliation invariant
// поддерживается непрерывно, не только при пересчёте).
type StageCostSummary struct {
	RunID       uuid.UUID `json:"run_id"`
	Stage       string    `json:"stage"`
	CostMinor   int64     `json:"cost_minor"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Invocations int64     `json:"invocations"`
	UpdatedAt   time.Time `json:"updated_at"`
}
