// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - run.pending      — новый run ожидает выполнения
//   - stage.dispatch   — стадия готова к выполнению воркером
//   - stage.completed  — попытка стадии завершена
//
// Exchanges:
//   - conveyor.runs    — события runs
//   - conveyor.stages  — события стадий
//   - conveyor.dlq     — dead letter queue
package mq
