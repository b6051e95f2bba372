package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		RateLimit(h.limiter, h.logger),
	)

	// Runs
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/start", chain(http.HandlerFunc(h.StartRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Stages
	mux.Handle("PATCH /api/v1/runs/{id}/stages/{name}", chain(http.HandlerFunc(h.PatchStage)))

	// Assets & invocations
	mux.Handle("GET /api/v1/runs/{id}/assets", chain(http.HandlerFunc(h.ListRunAssets)))
	mux.Handle("GET /api/v1/runs/{id}/invocations", chain(http.HandlerFunc(h.ListRunInvocations)))
}
