package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
)

// fakeBus собирает опубликованные сообщения.
type fakeBus struct {
	pending    []uuid.UUID
	dispatches []mq.StageDispatchPayload
	completed  []mq.StageCompletedPayload
}

func (f *fakeBus) PublishRunPending(_ context.Context, runID uuid.UUID) error {
	f.pending = append(f.pending, runID)
	return nil
}

func (f *fakeBus) PublishStageDispatch(_ context.Context, payload mq.StageDispatchPayload) error {
	f.dispatches = append(f.dispatches, payload)
	return nil
}

func (f *fakeBus) PublishStageCompleted(_ context.Context, payload mq.StageCompletedPayload) error {
	f.completed = append(f.completed, payload)
	return nil
}

func newTestServer(t *testing.T, m *repo.Memory, pub Publisher, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	h := NewHandler(Config{
		Store:     m,
		Publisher: pub,
		Limiter:   limiter,
		Logger:    slog.New(slog.DiscardHandler),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func createRun(t *testing.T, m *repo.Memory, status domain.RunStatus) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Status:    domain.RunStatusPending,
		Budgets:   domain.DefaultBudgets(0),
		CreatedAt: time.Now(),
	}
	if err := m.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if status != domain.RunStatusPending {
		ok, err := m.TransitionRunStatus(context.Background(), run.ID, domain.RunStatusPending, status)
		if err != nil || !ok {
			t.Fatalf("set run status %s: ok=%v err=%v", status, ok, err)
		}
		run.Status = status
	}
	return run
}

func TestCreateRun_AppliesDefaultBudgets(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", map[string]any{
		"owner_id": uuid.New().String(),
		"input":    map[string]any{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	budgets := data["budgets"].(map[string]any)
	if got := budgets[domain.StageScrape].(float64); got != float64(domain.DefaultBudgetBase/10) {
		t.Errorf("default scrape budget: got %v", got)
	}
	if data["status"].(string) != string(domain.RunStatusPending) {
		t.Errorf("new run must be pending, got %v", data["status"])
	}

	runID := uuid.MustParse(data["id"].(string))
	stages, err := m.ListStages(context.Background(), runID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != len(domain.PipelineOrder) {
		t.Errorf("run must get the full stage set, got %d", len(stages))
	}
}

func TestCreateRun_ValidationFailsFast(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing owner", map[string]any{"input": map[string]any{}}},
		{"unknown budget stage", map[string]any{
			"owner_id": uuid.New().String(),
			"budgets":  map[string]int64{"deploy": 100},
		}},
		{"negative budget", map[string]any{
			"owner_id": uuid.New().String(),
			"budgets":  map[string]int64{domain.StageScrape: -1},
		}},
		{"budgets and base together", map[string]any{
			"owner_id":    uuid.New().String(),
			"budgets":     map[string]int64{domain.StageScrape: 100},
			"budget_base": 1000,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestStartRun_PublishesPendingSignal(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeBus{}
	srv := newTestServer(t, m, pub, nil)
	run := createRun(t, m, domain.RunStatusPending)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/"+run.ID.String()+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(pub.pending) != 1 || pub.pending[0] != run.ID {
		t.Errorf("run.pending must be published for %s", run.ID)
	}

	// Повторный start уже running run — ошибка состояния.
	ok, _ := m.TransitionRunStatus(context.Background(), run.ID, domain.RunStatusPending, domain.RunStatusRunning)
	if !ok {
		t.Fatal("transition to running")
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/"+run.ID.String()+"/start", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestGetRun_ReturnsOrderedStages(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)
	run := createRun(t, m, domain.RunStatusPending)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/"+run.ID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	stages := data["stages"].([]any)
	if len(stages) != len(domain.PipelineOrder) {
		t.Fatalf("expected %d stages, got %d", len(domain.PipelineOrder), len(stages))
	}
	for i, raw := range stages {
		stage := raw.(map[string]any)
		if stage["name"].(string) != domain.PipelineOrder[i] {
			t.Errorf("stage %d: got %v want %s", i, stage["name"], domain.PipelineOrder[i])
		}
	}
}

func TestGetRun_NotFound(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/"+uuid.New().String(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListRuns_FiltersByOwner(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)
	run := createRun(t, m, domain.RunStatusPending)
	createRun(t, m, domain.RunStatusPending) // другой владелец

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs?owner_id="+run.OwnerID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	runs := body["data"].([]any)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("owner_id must be required, got %d", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)
	run := createRun(t, m, domain.RunStatusRunning)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/"+run.ID.String()+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["status"].(string) != string(domain.RunStatusCancelled) {
		t.Errorf("run must be cancelled, got %v", data["status"])
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/runs/"+run.ID.String()+"/cancel", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("double cancel must fail with 422, got %d", resp.StatusCode)
	}
}

func failScrapeStage(t *testing.T, m *repo.Memory, runID uuid.UUID, attempt int) {
	t.Helper()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	ok, err := m.TransitionStage(ctx, runID, domain.StageScrape,
		domain.StageStatusPending, domain.StageStatusRunning,
		repo.TransitionPatch{Attempt: &attempt, StartedAt: &started})
	if err != nil || !ok {
		t.Fatalf("claim stage: ok=%v err=%v", ok, err)
	}
	reason := domain.ReasonExecutorError
	finished := time.Now()
	ok, err = m.TransitionStage(ctx, runID, domain.StageScrape,
		domain.StageStatusRunning, domain.StageStatusFailed,
		repo.TransitionPatch{Reason: &reason, FinishedAt: &finished})
	if err != nil || !ok {
		t.Fatalf("fail stage: ok=%v err=%v", ok, err)
	}
}

func TestPatchStage_SkipAdvancesPipeline(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeBus{}
	srv := newTestServer(t, m, pub, nil)
	run := createRun(t, m, domain.RunStatusRunning)
	failScrapeStage(t, m, run.ID, domain.MaxAttempts)

	resp, body := doJSON(t, http.MethodPatch,
		srv.URL+"/api/v1/runs/"+run.ID.String()+"/stages/"+domain.StageScrape,
		map[string]any{"status": "skipped", "notes": "source site is down"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	if data["status"].(string) != string(domain.StageStatusSkipped) {
		t.Errorf("stage must be skipped, got %v", data["status"])
	}
	if data["notes"].(string) != "source site is down" {
		t.Errorf("notes must be recorded, got %v", data["notes"])
	}
	if len(pub.completed) != 1 || pub.completed[0].Status != string(domain.StageStatusSkipped) {
		t.Error("skip on a running run must publish a completion event")
	}
}

func TestPatchStage_RetryGetsFreshRunTag(t *testing.T) {
	m := repo.NewMemory()
	pub := &fakeBus{}
	srv := newTestServer(t, m, pub, nil)
	run := createRun(t, m, domain.RunStatusRunning)
	failScrapeStage(t, m, run.ID, 2)

	resp, body := doJSON(t, http.MethodPatch,
		srv.URL+"/api/v1/runs/"+run.ID.String()+"/stages/"+domain.StageScrape,
		map[string]any{"status": "pending"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	if data["status"].(string) != string(domain.StageStatusPending) {
		t.Errorf("stage must return to pending, got %v", data["status"])
	}

	if len(pub.dispatches) != 1 {
		t.Fatalf("retry must publish a dispatch, got %d", len(pub.dispatches))
	}
	d := pub.dispatches[0]
	if d.Attempt != 3 {
		t.Errorf("attempt must continue, got %d", d.Attempt)
	}
	prefix := run.ID.String() + ":" + domain.StageScrape + ":"
	if !strings.HasPrefix(d.IdempotencyKey, prefix) || d.IdempotencyKey == prefix {
		t.Errorf("manual retry must carry a fresh run tag, got %q", d.IdempotencyKey)
	}
}

func TestPatchStage_RejectsForeignTransitions(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)
	run := createRun(t, m, domain.RunStatusRunning)

	// pending нельзя перевести в pending, completed принадлежит воркерам.
	for _, status := range []string{"pending", "completed", "running"} {
		resp, _ := doJSON(t, http.MethodPatch,
			srv.URL+"/api/v1/runs/"+run.ID.String()+"/stages/"+domain.StageScrape,
			map[string]any{"status": status})
		if resp.StatusCode == http.StatusOK {
			t.Errorf("status %q must be rejected", status)
		}
	}
}

func TestListRunAssets(t *testing.T) {
	m := repo.NewMemory()
	srv := newTestServer(t, m, &fakeBus{}, nil)
	run := createRun(t, m, domain.RunStatusRunning)

	asset := &domain.Asset{
		ID:         uuid.New(),
		RunID:      run.ID,
		Stage:      domain.StageExport,
		Type:       "bundle",
		StorageKey: "exports/" + run.ID.String() + "/bundle.zip",
		CreatedAt:  time.Now(),
	}
	if err := m.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("create asset: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/"+run.ID.String()+"/assets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	assets := body["data"].([]any)
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	got := assets[0].(map[string]any)
	if got["storage_key"].(string) != asset.StorageKey {
		t.Errorf("storage key mismatch: %v", got["storage_key"])
	}
}

func TestRateLimit_RejectsOverCeiling(t *testing.T) {
	m := repo.NewMemory()
	limiter := ratelimit.NewLimiter(m, ratelimit.Config{Limit: 2, Width: time.Minute})
	srv := newTestServer(t, m, &fakeBus{}, limiter)
	run := createRun(t, m, domain.RunStatusPending)

	url := srv.URL + "/api/v1/runs/" + run.ID.String()
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("X-Owner-ID", "owner-a")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Owner-ID", "owner-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("over-limit request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}

	// Другой ключ не задет.
	req, _ = http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Owner-ID", "owner-b")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("other owner request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("other owner must pass, got %d", resp2.StatusCode)
	}
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := Chain(Recovery(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(fmt.Errorf("boom"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
