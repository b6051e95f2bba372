package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/metering"
)

// StubExecutor — executor для dev-окружения и тестов.
//
// Возвращает синтетическую телеметрию стадии и один вызов с
// фиксированной стоимостью. Детерминирован по ключу идемпотентности:
// ID вызова выводится из ключа, поэтому повторное выполнение той же
// попытки не удваивает суммы в агрегаторе.
type StubExecutor struct {
	// CostMinor — стоимость синтетического вызова (default: 10).
	CostMinor int64

	// Delay — имитация длительности работы.
	Delay time.Duration
}

// Execute возвращает синтетический результат стадии.
func (e *StubExecutor) Execute(ctx context.Context, req *StageRequest) (*StageResult, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cost := e.CostMinor
	if cost <= 0 {
		cost = 10
	}

	tel := stubTelemetry(req.Stage)
	inv := domain.Invocation{
		// Детерминированный ID: sha256 ключа в namespace UUID.
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.IdempotencyKey+":stub")),
		RunID:       req.RunID,
		Stage:       req.Stage,
		Provider:    "stub",
		Model:       "stub-v1",
		RequestHash: metering.HashRequest([]byte(req.IdempotencyKey)),
		InputUnits:  1,
		OutputUnits: 1,
		CostMinor:   cost,
		LatencyMs:   e.Delay.Milliseconds(),
	}

	return &StageResult{
		Telemetry:   &tel,
		Invocations: []domain.Invocation{inv},
		Notes:       fmt.Sprintf("stub attempt %d", req.Attempt),
	}, nil
}

// stubTelemetry возвращает минимальный документ телеметрии стадии.
func stubTelemetry(stage string) domain.StageTelemetry {
	var data domain.TelemetryData
	switch stage {
	case domain.StageScrape:
		data = domain.ScrapeTelemetry{PagesFetched: 1, BytesStored: 1024}
	case domain.StageProcess:
		data = domain.ProcessTelemetry{DocumentsProcessed: 1}
	case domain.StageAudiences:
		data = domain.AudiencesTelemetry{SegmentsGenerated: 1}
	case domain.StageCreatives:
		data = domain.CreativesTelemetry{VariantsGenerated: 1}
	case domain.StageImages:
		data = domain.ImagesTelemetry{ImagesRendered: 1}
	case domain.StageQA:
		data = domain.QATelemetry{ChecksPassed: 1}
	case domain.StageExport:
		data = domain.ExportTelemetry{FilesExported: 1}
	default:
		data = domain.ProcessTelemetry{}
	}
	return domain.NewStageTelemetry(data)
}
