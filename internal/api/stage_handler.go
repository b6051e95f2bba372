package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// PatchStage выполняет операторский перевод стадии.
//
// Разрешены два целевых статуса:
//   - skipped — явный пропуск стадии (единственный путь в skipped);
//   - pending — ручной retry упавшей стадии; стадия получает новый
//     run tag, поэтому следующая попытка идёт под новым ключом
//     идемпотентности.
//
// Остальные рёбра state machine принадлежат оркестратору и воркерам.
// PATCH /api/v1/runs/{id}/stages/{name}
func (h *Handler) PatchStage(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}
	name := r.PathValue("name")
	if !domain.IsPipelineStage(name) {
		BadRequest(w, "unknown stage name")
		return
	}

	var req PatchStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	stage, err := h.store.GetStage(r.Context(), runID, name)
	if HandleRepoError(w, h.logger, err, "stage not found") {
		return
	}

	switch domain.StageStatus(req.Status) {
	case domain.StageStatusSkipped:
		h.skipStage(w, r, run, stage, req.Notes)
	case domain.StageStatusPending:
		h.retryStage(w, r, run, stage)
	default:
		BadRequest(w, "status must be \"skipped\" or \"pending\"")
	}
}

// skipStage переводит стадию в skipped из pending, running или failed.
func (h *Handler) skipStage(w http.ResponseWriter, r *http.Request, run *domain.Run, stage *domain.Stage, notes string) {
	if !domain.CanTransition(stage.Status, domain.StageStatusSkipped) {
		InvalidState(w, "stage cannot be skipped from status "+string(stage.Status))
		return
	}

	finished := time.Now()
	patch := repo.TransitionPatch{FinishedAt: &finished}
	if notes != "" {
		patch.Notes = &notes
	}

	ok, err := h.store.TransitionStage(r.Context(), run.ID, stage.Name,
		stage.Status, domain.StageStatusSkipped, patch)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if !ok {
		Conflict(w, "stage status changed, retry")
		return
	}

	// На running run пропуск продвигает конвейер так же,
	// как обычное завершение стадии.
	if run.Status == domain.RunStatusRunning && h.publisher != nil {
		err := h.publisher.PublishStageCompleted(r.Context(), mq.StageCompletedPayload{
			RunID:   run.ID,
			Stage:   stage.Name,
			Status:  string(domain.StageStatusSkipped),
			Notes:   notes,
			Attempt: stage.Attempt,
		})
		if err != nil {
			h.logger.Warn("failed to publish stage.completed",
				"run_id", run.ID, "stage", stage.Name, "error", err)
		}
	}

	h.respondWithStage(w, r, run.ID, stage.Name)
}

// retryStage возвращает упавшую стадию в pending под новым run tag.
func (h *Handler) retryStage(w http.ResponseWriter, r *http.Request, run *domain.Run, stage *domain.Stage) {
	if stage.Status != domain.StageStatusFailed {
		InvalidState(w, "only failed stages can be retried")
		return
	}
	if run.Status == domain.RunStatusCancelled || run.Status == domain.RunStatusCompleted {
		InvalidState(w, "run is finished")
		return
	}

	// Новый run tag отличает ручной перезапуск от автоматических
	// попыток той же пары (run, stage).
	tag := uuid.NewString()[:8]
	if err := h.store.SetStageRunTag(r.Context(), run.ID, stage.Name, tag); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	ok, err := h.store.TransitionStage(r.Context(), run.ID, stage.Name,
		domain.StageStatusFailed, domain.StageStatusPending,
		repo.TransitionPatch{ClearTiming: true})
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if !ok {
		Conflict(w, "stage status changed, retry")
		return
	}

	// Упавший run возвращается в работу вместе со стадией.
	if run.Status == domain.RunStatusFailed {
		if _, err := h.store.TransitionRunStatus(r.Context(), run.ID,
			domain.RunStatusFailed, domain.RunStatusRunning); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		run.Status = domain.RunStatusRunning
	}

	if run.Status == domain.RunStatusRunning && h.publisher != nil {
		err := h.publisher.PublishStageDispatch(r.Context(), mq.StageDispatchPayload{
			RunID:          run.ID,
			Stage:          stage.Name,
			IdempotencyKey: run.ID.String() + ":" + stage.Name + ":" + tag,
			Attempt:        stage.Attempt + 1,
		})
		if err != nil {
			h.logger.Warn("failed to publish stage.dispatch",
				"run_id", run.ID, "stage", stage.Name, "error", err)
		}
	}

	h.respondWithStage(w, r, run.ID, stage.Name)
}

// respondWithStage отвечает свежим состоянием стадии.
func (h *Handler) respondWithStage(w http.ResponseWriter, r *http.Request, runID uuid.UUID, name string) {
	stage, err := h.store.GetStage(r.Context(), runID, name)
	if HandleRepoError(w, h.logger, err, "stage not found") {
		return
	}
	Success(w, StageFromDomain(*stage))
}

// ListRunAssets возвращает артефакты run.
// GET /api/v1/runs/{id}/assets
func (h *Handler) ListRunAssets(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	if _, err := h.store.GetRun(r.Context(), id); HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	assets, err := h.store.ListAssets(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]AssetResponse, len(assets))
	for i, a := range assets {
		result[i] = AssetFromDomain(a)
	}

	List(w, result, len(result))
}

// ListRunInvocations возвращает вызовы исполнителей run.
// GET /api/v1/runs/{id}/invocations
func (h *Handler) ListRunInvocations(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	if _, err := h.store.GetRun(r.Context(), id); HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	invocations, err := h.store.ListInvocations(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]InvocationResponse, len(invocations))
	for i, inv := range invocations {
		result[i] = InvocationFromDomain(inv)
	}

	List(w, result, len(result))
}
