// Package telemetry — общая наблюдаемость конвейера.
//
// logging.go настраивает slog (уровень и формат из окружения,
// логгер в контексте, стандартные атрибуты run_id/stage/owner_id).
// metrics.go объявляет Prometheus-метрики конвейера; каждый сервис
// отдаёт их на своём /metrics.
package telemetry
