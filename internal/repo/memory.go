package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Memory — внутрипамятная реализация всех репозиториев под одним
// мьютексом. Используется тестами и dev-режимом без Postgres.
//
// Семантика та же, что у pg-реализаций: CAS-переходы, атомарные
// инкременты, идемпотентная запись вызовов, непрерывный
// reconciliation-инвариант агрегата.
type Memory struct {
	mu sync.Mutex

	runs        map[uuid.UUID]*domain.Run
	stages      map[uuid.UUID]map[string]*domain.Stage // runID → name → stage
	invocations map[uuid.UUID]*domain.Invocation
	invOrder    []uuid.UUID
	summaries   map[summaryKey]*domain.StageCostSummary
	windows     map[windowKey]*domain.RateLimitWindow
	assets      []domain.Asset
}

type summaryKey struct {
	runID uuid.UUID
	stage string
}

type windowKey struct {
	callerKey string
	start     int64
	end       int64
}

// NewMemory создаёт пустое внутрипамятное хранилище.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[uuid.UUID]*domain.Run),
		stages:      make(map[uuid.UUID]map[string]*domain.Stage),
		invocations: make(map[uuid.UUID]*domain.Invocation),
		summaries:   make(map[summaryKey]*domain.StageCostSummary),
		windows:     make(map[windowKey]*domain.RateLimitWindow),
	}
}

// --- Runs ---

// CreateRun создаёт run и засеивает все стадии pending — атомарно.
func (m *Memory) CreateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return ErrAlreadyExists
	}

	cp := *run
	m.runs[run.ID] = &cp

	seeded := make(map[string]*domain.Stage, len(domain.PipelineOrder))
	for _, name := range domain.PipelineOrder {
		seeded[name] = &domain.Stage{
			ID:        uuid.New(),
			RunID:     run.ID,
			Name:      name,
			Status:    domain.StageStatusPending,
			CreatedAt: run.CreatedAt,
		}
	}
	m.stages[run.ID] = seeded
	return nil
}

// GetRun возвращает run по ID.
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// ListRunsByOwner возвращает runs владельца, новые первыми.
func (m *Memory) ListRunsByOwner(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []domain.Run
	for _, run := range m.runs {
		if run.OwnerID == ownerID {
			runs = append(runs, *run)
		}
	}
	sortRunsByCreatedDesc(runs)

	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListPendingRuns возвращает pending runs, старые первыми.
func (m *Memory) ListPendingRuns(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []domain.Run
	for _, run := range m.runs {
		if run.Status == domain.RunStatusPending {
			runs = append(runs, *run)
		}
	}
	sortRunsByCreatedDesc(runs)
	// reverse: нужны старые первыми
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListRunningRuns возвращает running runs, старые первыми.
func (m *Memory) ListRunningRuns(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []domain.Run
	for _, run := range m.runs {
		if run.Status == domain.RunStatusRunning {
			runs = append(runs, *run)
		}
	}
	sortRunsByCreatedDesc(runs)
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateRun перезаписывает статус, телеметрию и ошибку run.
func (m *Memory) UpdateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = run.Status
	stored.Telemetry = run.Telemetry
	stored.Error = run.Error
	stored.UpdatedAt = time.Now()
	return nil
}

// TransitionRunStatus — CAS статуса run.
func (m *Memory) TransitionRunStatus(_ context.Context, id uuid.UUID, from, to domain.RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	run.UpdatedAt = time.Now()
	return true, nil
}

// --- Stages ---

// TransitionStage — CAS статуса стадии, единственный путь записи.
func (m *Memory) TransitionStage(_ context.Context, runID uuid.UUID, name string, from, to domain.StageStatus, patch TransitionPatch) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stage := m.stage(runID, name)
	if stage == nil || stage.Status != from {
		return false, nil
	}

	stage.Status = to
	if patch.Attempt != nil {
		stage.Attempt = *patch.Attempt
	}
	if patch.Reason != nil {
		stage.Reason = *patch.Reason
	}
	if patch.Telemetry != nil {
		stage.Telemetry = patch.Telemetry
	}
	if patch.Notes != nil {
		stage.Notes = *patch.Notes
	}
	if patch.ClearTiming {
		stage.StartedAt = nil
		stage.FinishedAt = nil
		stage.NextRetryAt = nil
	} else {
		if patch.StartedAt != nil {
			stage.StartedAt = patch.StartedAt
		}
		if patch.FinishedAt != nil {
			stage.FinishedAt = patch.FinishedAt
		}
		if patch.NextRetryAt != nil {
			stage.NextRetryAt = patch.NextRetryAt
		}
	}
	return true, nil
}

// GetStage возвращает стадию по (run, name).
func (m *Memory) GetStage(_ context.Context, runID uuid.UUID, name string) (*domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage := m.stage(runID, name)
	if stage == nil {
		return nil, ErrNotFound
	}
	cp := *stage
	return &cp, nil
}

// ListStages возвращает стадии run в порядке конвейера.
func (m *Memory) ListStages(_ context.Context, runID uuid.UUID) ([]domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byName, ok := m.stages[runID]
	if !ok {
		return nil, ErrNotFound
	}
	stages := make([]domain.Stage, 0, len(byName))
	for _, s := range byName {
		stages = append(stages, *s)
	}
	return domain.SortStages(stages), nil
}

// ListRunningPastDeadline возвращает running-стадии с истёкшим дедлайном.
func (m *Memory) ListRunningPastDeadline(_ context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []domain.Stage
	for _, byName := range m.stages {
		for _, s := range byName {
			if s.Status == domain.StageStatusRunning && s.StartedAt != nil && !s.Deadline().After(now) {
				expired = append(expired, *s)
				if limit > 0 && len(expired) >= limit {
					return expired, nil
				}
			}
		}
	}
	return expired, nil
}

// ListRetryable возвращает failed-стадии с истёкшим backoff и
// оставшимися попытками.
func (m *Memory) ListRetryable(_ context.Context, now time.Time, limit int) ([]domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []domain.Stage
	for _, byName := range m.stages {
		for _, s := range byName {
			if s.Status == domain.StageStatusFailed &&
				s.NextRetryAt != nil && !s.NextRetryAt.After(now) &&
				s.Attempt < domain.MaxAttempts {
				ready = append(ready, *s)
				if limit > 0 && len(ready) >= limit {
					return ready, nil
				}
			}
		}
	}
	return ready, nil
}

// AddStageSpend атомарно увеличивает расход стадии.
func (m *Memory) AddStageSpend(_ context.Context, runID uuid.UUID, name string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage := m.stage(runID, name)
	if stage == nil {
		return 0, ErrNotFound
	}
	stage.BudgetSpent += delta
	return stage.BudgetSpent, nil
}

// SetStageRunTag задаёт run_tag ручного перезапуска. Счётчик попыток
// продолжается, меняется только ключ идемпотентности.
func (m *Memory) SetStageRunTag(_ context.Context, runID uuid.UUID, name, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage := m.stage(runID, name)
	if stage == nil {
		return ErrNotFound
	}
	stage.RunTag = tag
	return nil
}

func (m *Memory) stage(runID uuid.UUID, name string) *domain.Stage {
	byName, ok := m.stages[runID]
	if !ok {
		return nil
	}
	return byName[name]
}

// --- Invocations & summaries ---

// RecordInvocation записывает вызов и обновляет агрегат атомарно.
// Дедупликация по invocation id.
func (m *Memory) RecordInvocation(_ context.Context, inv *domain.Invocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.invocations[inv.ID]; dup {
		return false, nil
	}

	cp := *inv
	m.invocations[inv.ID] = &cp
	m.invOrder = append(m.invOrder, inv.ID)

	key := summaryKey{runID: inv.RunID, stage: inv.Stage}
	s, ok := m.summaries[key]
	if !ok {
		s = &domain.StageCostSummary{RunID: inv.RunID, Stage: inv.Stage}
		m.summaries[key] = s
	}
	s.CostMinor += inv.CostMinor
	s.InputUnits += inv.InputUnits
	s.OutputUnits += inv.OutputUnits
	s.Invocations++
	s.UpdatedAt = time.Now()
	return true, nil
}

// ListInvocations возвращает вызовы run в порядке записи.
func (m *Memory) ListInvocations(_ context.Context, runID uuid.UUID) ([]domain.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var invs []domain.Invocation
	for _, id := range m.invOrder {
		if inv := m.invocations[id]; inv.RunID == runID {
			invs = append(invs, *inv)
		}
	}
	return invs, nil
}

// GetStageSummary возвращает агрегат по (run, stage).
func (m *Memory) GetStageSummary(_ context.Context, runID uuid.UUID, stage string) (*domain.StageCostSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.summaries[summaryKey{runID: runID, stage: stage}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// --- Rate limit windows ---

// IncrementWindow атомарно увеличивает счётчик окна.
func (m *Memory) IncrementWindow(_ context.Context, callerKey string, start, end time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey{callerKey: callerKey, start: start.UnixNano(), end: end.UnixNano()}
	w, ok := m.windows[key]
	if !ok {
		w = &domain.RateLimitWindow{CallerKey: callerKey, WindowStart: start, WindowEnd: end}
		m.windows[key] = w
	}
	w.Count++
	return w.Count, nil
}

// PurgeExpiredWindows удаляет окна, закончившиеся до cutoff.
func (m *Memory) PurgeExpiredWindows(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key := range m.windows {
		if key.end < cutoff.UnixNano() {
			delete(m.windows, key)
			purged++
		}
	}
	return purged, nil
}

// --- Assets ---

// CreateAsset записывает артефакт.
func (m *Memory) CreateAsset(_ context.Context, asset *domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.assets = append(m.assets, *asset)
	return nil
}

// ListAssets возвращает артефакты run.
func (m *Memory) ListAssets(_ context.Context, runID uuid.UUID) ([]domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var assets []domain.Asset
	for _, a := range m.assets {
		if a.RunID == runID {
			assets = append(assets, a)
		}
	}
	return assets, nil
}

// --- Helpers ---

func sortRunsByCreatedDesc(runs []domain.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].CreatedAt.After(runs[j-1].CreatedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}
