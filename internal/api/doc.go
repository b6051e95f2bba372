// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go       — Handler с DI (store, publisher, limiter, logger)
//   - routes.go        — регистрация маршрутов
//   - middleware.go    — middleware (logging, recovery, rate limiting)
//   - response.go      — унифицированные JSON-ответы и обработка ошибок
//   - dto.go           — Data Transfer Objects (request/response)
//   - run_handler.go   — обработчики для /runs
//   - stage_handler.go — операторские операции над стадиями, assets, invocations
//
// API предоставляет REST endpoints для управления runs конвейера.
package api
