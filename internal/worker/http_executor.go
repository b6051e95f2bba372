package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/metering"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor — executor, вызывающий внешний сервис стадии по HTTP.
//
// Запрос: POST {BaseURL}/stages/{stage}
//
//	{
//	  "run_id": "...",
//	  "stage": "creatives",
//	  "idempotency_key": "{run_id}:{stage}:{run_tag}",
//	  "attempt": 2,
//	  "input": { ... }
//	}
//
// Ответ (200):
//
//	{
//	  "telemetry": {"stage": "creatives", "data": {...}},
//	  "assets": [...],
//	  "invocations": [...],
//	  "notes": "...",
//	  "error": ""
//	}
//
// Ключ идемпотентности уходит и в заголовок Idempotency-Key:
// сервис стадии обязан не повторять side effects для знакомого ключа.
//
// HTTP >= 500 и сетевые ошибки — инфраструктурные (retryable).
// HTTP 4xx — логическая ошибка выполнения.
type HTTPExecutor struct {
	// BaseURL — адрес сервиса стадий.
	BaseURL string

	// Client — HTTP-клиент. nil — клиент с дефолтным таймаутом.
	Client *http.Client
}

// stageResponse — wire-формат ответа сервиса стадии.
type stageResponse struct {
	Telemetry   *domain.StageTelemetry `json:"telemetry,omitempty"`
	Assets      []domain.Asset         `json:"assets,omitempty"`
	Invocations []domain.Invocation    `json:"invocations,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Execute вызывает сервис стадии.
func (e *HTTPExecutor) Execute(ctx context.Context, req *StageRequest) (*StageResult, error) {
	if e.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is not configured", ErrHTTPRequest)
	}

	body, err := json.Marshal(map[string]any{
		"run_id":          req.RunID,
		"stage":           req.Stage,
		"idempotency_key": req.IdempotencyKey,
		"attempt":         req.Attempt,
		"input":           req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrHTTPRequest, err)
	}

	url := strings.TrimRight(e.BaseURL, "/") + "/stages/" + req.Stage
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	// 5xx — инфраструктурная ошибка, попытка будет повторена.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
	}

	// 4xx — логическая ошибка выполнения.
	if resp.StatusCode >= 400 {
		return &StageResult{
			Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}, nil
	}

	var parsed stageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrHTTPRequest, err)
	}

	// RequestHash обязателен для аудита: проставляем, если сервис
	// стадии его не заполнил.
	for i := range parsed.Invocations {
		if parsed.Invocations[i].RequestHash == "" {
			parsed.Invocations[i].RequestHash = metering.HashRequest(body)
		}
	}

	return &StageResult{
		Telemetry:   parsed.Telemetry,
		Assets:      parsed.Assets,
		Invocations: parsed.Invocations,
		Notes:       parsed.Notes,
		Error:       parsed.Error,
	}, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
