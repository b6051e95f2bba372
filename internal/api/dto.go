package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Run DTOs

// CreateRunRequest — запрос на создание run.
//
// Budgets и BudgetBase взаимоисключающие: либо явные потолки
// по стадиям, либо базовый бюджет кампании, из которого потолки
// выводятся долями. Пустой запрос получает дефолтный базовый бюджет.
type CreateRunRequest struct {
	OwnerID    uuid.UUID        `json:"owner_id"`
	Input      map[string]any   `json:"input,omitempty"`
	Budgets    map[string]int64 `json:"budgets,omitempty"`
	BudgetBase int64            `json:"budget_base,omitempty"`
}

// Validate проверяет запрос и возвращает первую найденную ошибку.
func (r *CreateRunRequest) Validate() error {
	if r.OwnerID == uuid.Nil {
		return fmt.Errorf("owner_id is required")
	}
	if len(r.Budgets) > 0 && r.BudgetBase > 0 {
		return fmt.Errorf("budgets and budget_base are mutually exclusive")
	}
	if r.BudgetBase < 0 {
		return fmt.Errorf("budget_base must be non-negative")
	}
	for stage, ceiling := range r.Budgets {
		if !domain.IsPipelineStage(stage) {
			return fmt.Errorf("unknown stage in budgets: %q", stage)
		}
		if ceiling < 0 {
			return fmt.Errorf("budget for stage %q must be non-negative", stage)
		}
	}
	return nil
}

// EffectiveBudgets возвращает потолки по стадиям:
// явные, либо выведенные из базового бюджета.
func (r *CreateRunRequest) EffectiveBudgets() map[string]int64 {
	if len(r.Budgets) > 0 {
		return r.Budgets
	}
	return domain.DefaultBudgets(r.BudgetBase)
}

// PatchStageRequest — операторский запрос на перевод стадии.
type PatchStageRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID        uuid.UUID                        `json:"id"`
	OwnerID   uuid.UUID                        `json:"owner_id"`
	Status    domain.RunStatus                 `json:"status"`
	Input     map[string]any                   `json:"input,omitempty"`
	Budgets   map[string]int64                 `json:"budgets"`
	Telemetry map[string]domain.StageTelemetry `json:"telemetry,omitempty"`
	Error     string                           `json:"error,omitempty"`
	CreatedAt time.Time                        `json:"created_at"`
	UpdatedAt time.Time                        `json:"updated_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Status:    r.Status,
		Input:     r.Input,
		Budgets:   r.Budgets,
		Telemetry: r.Telemetry,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// RunDetailResponse — run с упорядоченным списком стадий.
type RunDetailResponse struct {
	RunResponse
	Stages []StageResponse `json:"stages"`
}

// StageResponse — ответ со стадией.
type StageResponse struct {
	Name        string                 `json:"name"`
	Status      domain.StageStatus     `json:"status"`
	Attempt     int                    `json:"attempt"`
	Reason      domain.FailureReason   `json:"reason,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	NextRetryAt *time.Time             `json:"next_retry_at,omitempty"`
	Telemetry   *domain.StageTelemetry `json:"telemetry,omitempty"`
	BudgetSpent int64                  `json:"budget_spent"`
	Notes       string                 `json:"notes,omitempty"`
}

// StageFromDomain конвертирует domain.Stage в StageResponse.
func StageFromDomain(s domain.Stage) StageResponse {
	return StageResponse{
		Name:        s.Name,
		Status:      s.Status,
		Attempt:     s.Attempt,
		Reason:      s.Reason,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		NextRetryAt: s.NextRetryAt,
		Telemetry:   s.Telemetry,
		BudgetSpent: s.BudgetSpent,
		Notes:       s.Notes,
	}
}

// AssetResponse — ответ с артефактом.
type AssetResponse struct {
	ID         uuid.UUID      `json:"id"`
	Stage      string         `json:"stage"`
	Type       string         `json:"type"`
	StorageKey string         `json:"storage_key"`
	Extra      map[string]any `json:"extra,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AssetFromDomain конвертирует domain.Asset в AssetResponse.
func AssetFromDomain(a domain.Asset) AssetResponse {
	return AssetResponse{
		ID:         a.ID,
		Stage:      a.Stage,
		Type:       a.Type,
		StorageKey: a.StorageKey,
		Extra:      a.Extra,
		CreatedAt:  a.CreatedAt,
	}
}

// InvocationResponse — ответ с вызовом исполнителя.
type InvocationResponse struct {
	ID          uuid.UUID `json:"id"`
	Stage       string    `json:"stage"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	CostMinor   int64     `json:"cost_minor"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// InvocationFromDomain конвертирует domain.Invocation в InvocationResponse.
func InvocationFromDomain(inv domain.Invocation) InvocationResponse {
	return InvocationResponse{
		ID:          inv.ID,
		Stage:       inv.Stage,
		Provider:    inv.Provider,
		Model:       inv.Model,
		InputUnits:  inv.InputUnits,
		OutputUnits: inv.OutputUnits,
		CostMinor:   inv.CostMinor,
		LatencyMs:   inv.LatencyMs,
		CreatedAt:   inv.CreatedAt,
	}
}
