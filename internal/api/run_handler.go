package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// CreateRun создаёт новый run со стадиями в pending.
// Run не диспатчится до явного start.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := req.Validate(); err != nil {
		BadRequest(w, err.Error())
		return
	}

	now := time.Now()
	run := &domain.Run{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Status:    domain.RunStatusPending,
		Input:     req.Input,
		Budgets:   req.EffectiveBudgets(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateRun(r.Context(), run); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Created(w, RunFromDomain(*run))
}

// StartRun отправляет pending run в оркестрацию.
// POST /api/v1/runs/{id}/start
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	if run.Status != domain.RunStatusPending {
		InvalidState(w, "run is not pending")
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishRunPending(r.Context(), run.ID); err != nil {
			// Оркестратор подберёт pending run поллингом.
			h.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
		}
	}

	Success(w, RunFromDomain(*run))
}

// GetRun возвращает run с упорядоченным списком стадий.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	stages, err := h.store.ListStages(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	detail := RunDetailResponse{
		RunResponse: RunFromDomain(*run),
		Stages:      make([]StageResponse, len(stages)),
	}
	for i, s := range stages {
		detail.Stages[i] = StageFromDomain(s)
	}

	Success(w, detail)
}

// ListRuns возвращает runs владельца, новые первыми.
// GET /api/v1/runs?owner_id=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		BadRequest(w, "owner_id is required")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	runs, err := h.store.ListRunsByOwner(r.Context(), ownerID, limit, offset)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CancelRun отменяет незавершённый run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	ok, err := h.store.TransitionRunStatus(r.Context(), id, run.Status, domain.RunStatusCancelled)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if !ok {
		Conflict(w, "run status changed, retry")
		return
	}

	run, err = h.store.GetRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// parseIntParam парсит query-параметр в int с дефолтным значением.
func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
