package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Status    string           `json:"status"`
	Input     map[string]any   `json:"input,omitempty"`
	Budgets   map[string]int64 `json:"budgets"`
	Error     string           `json:"error,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

// RunDetailResponse — run со стадиями из API.
type RunDetailResponse struct {
	RunResponse
	Stages []StageResponse `json:"stages"`
}

// StageResponse — стадия из API.
type StageResponse struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	Reason      string `json:"reason,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
	BudgetSpent int64  `json:"budget_spent"`
	Notes       string `json:"notes,omitempty"`
}

// AssetResponse — артефакт из API.
type AssetResponse struct {
	ID         string         `json:"id"`
	Stage      string         `json:"stage"`
	Type       string         `json:"type"`
	StorageKey string         `json:"storage_key"`
	Extra      map[string]any `json:"extra,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// InvocationResponse — вызов исполнителя из API.
type InvocationResponse struct {
	ID          string `json:"id"`
	Stage       string `json:"stage"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
	CostMinor   int64  `json:"cost_minor"`
	LatencyMs   int64  `json:"latency_ms"`
	CreatedAt   string `json:"created_at"`
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	OwnerID    string           `json:"owner_id"`
	Input      map[string]any   `json:"input,omitempty"`
	Budgets    map[string]int64 `json:"budgets,omitempty"`
	BudgetBase int64            `json:"budget_base,omitempty"`
}

// PatchStageRequest — операторский перевод стадии.
type PatchStageRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// CreateRun создаёт новый run.
func (c *Client) CreateRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// StartRun отправляет run в оркестрацию.
func (c *Client) StartRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/start", nil, &run)
	return &run, err
}

// GetRun возвращает run со стадиями.
func (c *Client) GetRun(id string) (*RunDetailResponse, error) {
	var run RunDetailResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// ListRuns возвращает runs владельца.
func (c *Client) ListRuns(ownerID string, limit int) ([]RunResponse, error) {
	params := url.Values{}
	params.Set("owner_id", ownerID)
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// PatchStage выполняет операторский перевод стадии (skip/retry).
func (c *Client) PatchStage(runID, stage string, req PatchStageRequest) (*StageResponse, error) {
	var s StageResponse
	err := c.patch("/api/v1/runs/"+runID+"/stages/"+stage, req, &s)
	return &s, err
}

// ListAssets возвращает артефакты run.
func (c *Client) ListAssets(runID string) ([]AssetResponse, error) {
	var assets []AssetResponse
	err := c.list("/api/v1/runs/"+runID+"/assets", nil, &assets)
	return assets, err
}

// ListInvocations возвращает вызовы исполнителей run.
func (c *Client) ListInvocations(runID string) ([]InvocationResponse, error) {
	var invocations []InvocationResponse
	err := c.list("/api/v1/runs/"+runID+"/invocations", nil, &invocations)
	return invocations, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) patch(path string, body any, result any) error {
	return c.doData(http.MethodPatch, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
