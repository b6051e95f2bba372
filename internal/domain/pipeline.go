package domain

import "time"

// PipelineOrder — фиксированная последовательность стадий конвейера.
// Стадии выполняются строго в этом порядке; следующая стадия
// диспатчится только после completed предыдущей.
var PipelineOrder = []string{
	StageScrape,
	StageProcess,
	StageAudiences,
	StageCreatives,
	StageImages,
	StageQA,
	StageExport,
}

// Имена стадий конвейера.
const (
	StageScrape    = "scrape"
	StageProcess   = "process"
	StageAudiences = "audiences"
	StageCreatives = "creatives"
	StageImages    = "images"
	StageQA        = "qa"
	StageExport    = "export"
)

// softTimeouts — soft timeout для каждого вида стадии.
// Стадия, зависшая в running дольше таймаута, принудительно
// переводится супервизором в failed с причиной timeout.
var softTimeouts = map[string]time.Duration{
	StageScrape:    900 * time.Second,
	StageProcess:   300 * time.Second,
	StageAudiences: 600 * time.Second,
	StageCreatives: 600 * time.Second,
	StageImages:    900 * time.Second,
	StageQA:        300 * time.Second,
	StageExport:    600 * time.Second,
}

// defaultSoftTimeout применяется для стадий без явного таймаута.
const defaultSoftTimeout = 600 * time.Second

// SoftTimeout возвращает soft timeout для стадии.
func SoftTimeout(stage string) time.Duration {
	if d, ok := softTimeouts[stage]; ok {
		return d
	}
	return defaultSoftTimeout
}

// IsPipelineStage проверяет, что имя — одна из объявленных стадий.
func IsPipelineStage(name string) bool {
	for _, s := range PipelineOrder {
		if s == name {
			return true
		}
	}
	return false
}

// StageIndex возвращает позицию стадии в конвейере, -1 если имя неизвестно.
func StageIndex(name string) int {
	for i, s := range PipelineOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// PrevStage возвращает имя предыдущей стадии.
// Для первой стадии и неизвестных имён возвращает "".
func PrevStage(name string) string {
	i := StageIndex(name)
	if i <= 0 {
		return ""
	}
	return PipelineOrder[i-1]
}

// NextStage возвращает имя следующей стадии.
// Для последней стадии и неизвестных имён возвращает "".
func NextStage(name string) string {
	i := StageIndex(name)
	if i < 0 || i == len(PipelineOrder)-1 {
		return ""
	}
	return PipelineOrder[i+1]
}

// DefaultBudgetBase — базовый бюджет кампании в минорных единицах,
// когда клиент не передал свои потолки (100 000 = 1000.00).
const DefaultBudgetBase int64 = 100_000

// DefaultBudgets возвращает потолки по стадиям как доли базового бюджета.
func DefaultBudgets(base int64) map[string]int64 {
	if base <= 0 {
		base = DefaultBudgetBase
	}
	return map[string]int64{
		StageScrape:    base / 10,
		StageProcess:   base / 10,
		StageAudiences: base / 5,
		StageCreatives: base / 5,
		StageImages:    base / 5,
		StageQA:        base / 10,
		StageExport:    base / 10,
	}
}
