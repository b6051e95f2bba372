package domain

import (
	"encoding/json"
	"fmt"
)

// StageTelemetry — документ телеметрии стадии как tagged union
// по имени стадии. Оркестратор не интерпретирует содержимое,
// но схема каждого варианта типизирована, чтобы downstream-агрегация
// проверялась статически.
type StageTelemetry struct {
	// Stage — дискриминант union (имя стадии).
	Stage string

	// Data — вариант для этой стадии.
	Data TelemetryData
}

// TelemetryData — один вариант документа телеметрии.
type TelemetryData interface {
	telemetryStage() string
}

// ScrapeTelemetry — телеметрия стадии scrape.
type ScrapeTelemetry struct {
	PagesFetched int `json:"pages_fetched"`
	CacheHits    int `json:"cache_hits"`
	BytesStored  int `json:"bytes_stored"`
}

// ProcessTelemetry — телеметрия стадии process.
type ProcessTelemetry struct {
	DocumentsProcessed int `json:"documents_processed"`
	TokensExtracted    int `json:"tokens_extracted"`
}

// AudiencesTelemetry — телеметрия стадии audiences.
type AudiencesTelemetry struct {
	SegmentsGenerated int `json:"segments_generated"`
	HypothesesScored  int `json:"hypotheses_scored"`
}

// CreativesTelemetry — телеметрия стадии creatives.
type CreativesTelemetry struct {
	VariantsGenerated  int `json:"variants_generated"`
	DuplicatesRejected int `json:"duplicates_rejected"`
}

// ImagesTelemetry — телеметрия стадии images.
type ImagesTelemetry struct {
	ImagesRendered int `json:"images_rendered"`
	RenderRetries  int `json:"render_retries"`
}

// QATelemetry — телеметрия стадии qa. Оркестратор не выносит
// суждений о качестве — стадия возвращает pass/fail и причины.
type QATelemetry struct {
	ChecksPassed int      `json:"checks_passed"`
	ChecksFailed int      `json:"checks_failed"`
	FailReasons  []string `json:"fail_reasons,omitempty"`
}

// ExportTelemetry — телеметрия стадии export.
type ExportTelemetry struct {
	FilesExported int    `json:"files_exported"`
	BundleSHA256  string `json:"bundle_sha256,omitempty"`
}

func (ScrapeTelemetry) telemetryStage() string    { return StageScrape }
func (ProcessTelemetry) telemetryStage() string   { return StageProcess }
func (AudiencesTelemetry) telemetryStage() string { return StageAudiences }
func (CreativesTelemetry) telemetryStage() string { return StageCreatives }
func (ImagesTelemetry) telemetryStage() string    { return StageImages }
func (QATelemetry) telemetryStage() string        { return StageQA }
func (ExportTelemetry) telemetryStage() string    { return StageExport }

// telemetryEnvelope — wire-формат: {"stage": "...", "data": {...}}.
type telemetryEnvelope struct {
	Stage string          `json:"stage"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewStageTelemetry оборачивает вариант в union с корректным дискриминантом.
func NewStageTelemetry(data TelemetryData) StageTelemetry {
	return StageTelemetry{Stage: data.telemetryStage(), Data: data}
}

// MarshalJSON сериализует union в envelope-формат.
func (t StageTelemetry) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if t.Data != nil {
		b, err := json.Marshal(t.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal telemetry data: %w", err)
		}
		raw = b
	}
	return json.Marshal(telemetryEnvelope{Stage: t.Stage, Data: raw})
}

// UnmarshalJSON десериализует envelope, выбирая вариант по стадии.
func (t *StageTelemetry) UnmarshalJSON(b []byte) error {
	var env telemetryEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unmarshal telemetry envelope: %w", err)
	}

	t.Stage = env.Stage
	t.Data = nil
	if env.Data == nil {
		return nil
	}

	data, err := decodeTelemetry(env.Stage, env.Data)
	if err != nil {
		return err
	}
	t.Data = data
	return nil
}

// decodeTelemetry выбирает вариант union по имени стадии.
func decodeTelemetry(stage string, raw json.RawMessage) (TelemetryData, error) {
	var (
		data TelemetryData
		err  error
	)

	switch stage {
	case StageScrape:
		v := ScrapeTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageProcess:
		v := ProcessTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageAudiences:
		v := AudiencesTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageCreatives:
		v := CreativesTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageImages:
		v := ImagesTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageQA:
		v := QATelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	case StageExport:
		v := ExportTelemetry{}
		err = json.Unmarshal(raw, &v)
		data = v
	default:
		return nil, fmt.Errorf("unknown telemetry stage: %q", stage)
	}

	if err != nil {
		return nil, fmt.Errorf("unmarshal %s telemetry: %w", stage, err)
	}
	return data, nil
}
