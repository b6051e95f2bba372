package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Stage transition table ---

func TestCanTransition_AllowedEdges(t *testing.T) {
	allowed := []struct{ from, to StageStatus }{
		{StageStatusPending, StageStatusRunning},
		{StageStatusPending, StageStatusSkipped},
		{StageStatusRunning, StageStatusCompleted},
		{StageStatusRunning, StageStatusFailed},
		{StageStatusRunning, StageStatusSkipped},
		{StageStatusFailed, StageStatusPending},
		{StageStatusFailed, StageStatusSkipped},
	}

	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectedEdges(t *testing.T) {
	rejected := []struct{ from, to StageStatus }{
		{StageStatusCompleted, StageStatusRunning},
		{StageStatusCompleted, StageStatusPending},
		{StageStatusSkipped, StageStatusRunning},
		{StageStatusPending, StageStatusCompleted},
		{StageStatusPending, StageStatusFailed},
		{StageStatusFailed, StageStatusRunning},
		{StageStatusFailed, StageStatusCompleted},
	}

	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

// --- Pipeline order ---

func TestPipelineOrder(t *testing.T) {
	if len(PipelineOrder) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(PipelineOrder))
	}
	if PipelineOrder[0] != StageScrape {
		t.Errorf("first stage should be scrape, got %s", PipelineOrder[0])
	}
	if PipelineOrder[len(PipelineOrder)-1] != StageExport {
		t.Errorf("last stage should be export")
	}
}

func TestPrevNextStage(t *testing.T) {
	if PrevStage(StageScrape) != "" {
		t.Error("scrape has no previous stage")
	}
	if PrevStage(StageProcess) != StageScrape {
		t.Error("process should follow scrape")
	}
	if NextStage(StageExport) != "" {
		t.Error("export has no next stage")
	}
	if NextStage(StageQA) != StageExport {
		t.Error("export should follow qa")
	}
	if PrevStage("unknown") != "" || NextStage("unknown") != "" {
		t.Error("unknown stage has no neighbors")
	}
}

func TestSoftTimeout(t *testing.T) {
	if SoftTimeout(StageScrape) != 900*time.Second {
		t.Errorf("scrape timeout should be 900s, got %s", SoftTimeout(StageScrape))
	}
	if SoftTimeout(StageProcess) != 300*time.Second {
		t.Errorf("process timeout should be 300s, got %s", SoftTimeout(StageProcess))
	}
	if SoftTimeout("unknown") != defaultSoftTimeout {
		t.Error("unknown stage should get default timeout")
	}
}

func TestDefaultBudgets(t *testing.T) {
	budgets := DefaultBudgets(0)

	var total int64
	for _, stage := range PipelineOrder {
		if budgets[stage] <= 0 {
			t.Errorf("stage %s should have a positive default budget", stage)
		}
		total += budgets[stage]
	}
	if total != DefaultBudgetBase {
		t.Errorf("default budgets should sum to base: %d != %d", total, DefaultBudgetBase)
	}
}

// --- Stage lifecycle ---

func TestStage_MarkRunning_IncrementsAttempt(t *testing.T) {
	stage := &Stage{RunID: uuid.New(), Name: StageScrape, Status: StageStatusPending}

	stage.MarkRunning()

	if stage.Status != StageStatusRunning {
		t.Errorf("expected running, got %s", stage.Status)
	}
	if stage.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", stage.Attempt)
	}
	if stage.StartedAt == nil {
		t.Error("started_at should be set")
	}
}

func TestStage_MarkFailed_Retryable(t *testing.T) {
	stage := &Stage{RunID: uuid.New(), Name: StageProcess}
	stage.MarkRunning()

	stage.MarkFailed(ReasonTimeout, "soft timeout exceeded")

	if stage.Status != StageStatusFailed {
		t.Errorf("expected failed, got %s", stage.Status)
	}
	if stage.Reason != ReasonTimeout {
		t.Errorf("expected timeout reason, got %s", stage.Reason)
	}
	if stage.NextRetryAt == nil {
		t.Error("retryable failure should schedule next retry")
	}
}

func TestStage_MarkFailed_Fatal(t *testing.T) {
	stage := &Stage{RunID: uuid.New(), Name: StageScrape}
	stage.MarkRunning()

	stage.MarkFailed(ReasonBudgetExceeded, "ceiling breached")

	if stage.NextRetryAt != nil {
		t.Error("budget_exceeded is fatal, no retry should be scheduled")
	}
}

func TestStage_RetryExhaustion(t *testing.T) {
	stage := &Stage{RunID: uuid.New(), Name: StageProcess}

	for i := 0; i < MaxAttempts; i++ {
		if !stage.CanRetry() {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		stage.MarkRunning()
		stage.MarkFailed(ReasonTimeout, "")
		stage.ResetForRetry()
	}

	if stage.CanRetry() {
		t.Errorf("retries should be exhausted after %d attempts", MaxAttempts)
	}
}

func TestStage_RetryBackoff_Exponential(t *testing.T) {
	stage := &Stage{Attempt: 1}
	first := stage.RetryBackoff()

	stage.Attempt = 2
	second := stage.RetryBackoff()

	if second != 2*first {
		t.Errorf("backoff should double: %s then %s", first, second)
	}

	stage.Attempt = 100
	if stage.RetryBackoff() > 5*time.Minute {
		t.Error("backoff should be capped at 5 minutes")
	}
}

func TestStage_IdempotencyKey(t *testing.T) {
	runID := uuid.New()
	stage := &Stage{RunID: runID, Name: StageCreatives, RunTag: "rerun-2"}

	want := runID.String() + ":creatives:rerun-2"
	if stage.IdempotencyKey() != want {
		t.Errorf("expected %q, got %q", want, stage.IdempotencyKey())
	}
}

func TestSortStages_PipelineOrder(t *testing.T) {
	stages := []Stage{
		{Name: StageExport},
		{Name: StageScrape},
		{Name: StageQA},
		{Name: StageProcess},
	}

	sorted := SortStages(stages)

	want := []string{StageScrape, StageProcess, StageQA, StageExport}
	for i, name := range want {
		if sorted[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, sorted[i].Name)
		}
	}
}

// --- Telemetry union ---

func TestStageTelemetry_RoundTrip(t *testing.T) {
	tel := NewStageTelemetry(QATelemetry{
		ChecksPassed: 12,
		ChecksFailed: 2,
		FailReasons:  []string{"missing_cta", "tone_mismatch"},
	})

	b, err := json.Marshal(tel)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded StageTelemetry
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	qa, ok := decoded.Data.(QATelemetry)
	if !ok {
		t.Fatalf("expected QATelemetry variant, got %T", decoded.Data)
	}
	if qa.ChecksPassed != 12 || qa.ChecksFailed != 2 {
		t.Errorf("unexpected counts: %+v", qa)
	}
	if decoded.Stage != StageQA {
		t.Errorf("discriminant should be qa, got %s", decoded.Stage)
	}
}

func TestStageTelemetry_UnknownStage(t *testing.T) {
	var tel StageTelemetry
	err := json.Unmarshal([]byte(`{"stage":"mystery","data":{}}`), &tel)
	if err == nil {
		t.Error("unknown stage should fail to decode")
	}
}

// --- Rate limit windows ---

func TestWindowBounds_Absolute(t *testing.T) {
	width := time.Minute
	base := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

	start, end := WindowBounds(base, width)
	if !start.Equal(time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected window start: %s", start)
	}
	if end.Sub(start) != width {
		t.Errorf("window width should be %s", width)
	}

	// Любой момент внутри окна даёт те же границы.
	start2, _ := WindowBounds(base.Add(10*time.Second), width)
	if !start2.Equal(start) {
		t.Error("moments in the same window must share bounds")
	}
}
