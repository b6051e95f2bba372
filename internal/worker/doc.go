// Package worker выполняет попытки стадий конвейера.
//
// # Обзор
//
// Worker — stateless компонент системы Conveyor, который выполняет
// попытки стадий, продиспатченные оркестратором. Worker отвечает за:
//
//   - Получение диспатчей из очереди stages.dispatch (prefetch=1)
//   - Захват стадии через compare-and-set pending→running
//   - Проверку бюджетного потолка перед вызовом executor
//   - Выполнение стадии с soft timeout
//   - Запись артефактов и вызовов (агрегация телеметрии и стоимости)
//   - Отправку результата в очередь stages.completed
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди stages.dispatch. Внутри одного
// процесса работает пул из N потребителей (default: 4), каждый
// с prefetch=1: пока попытка не подтверждена, следующее сообщение
// потребителю не доставляется.
//
// # Подтверждение
//
// Ack строго позднее: сообщение подтверждается только после записи
// результата в БД и публикации stage.completed. Падение процесса
// посередине приводит к повторной доставке, а CAS-захват защищает
// от второго выполнения той же попытки.
//
// # Executor
//
// Интерфейс для выполнения конкретной стадии:
//
//	type Executor interface {
//	    Execute(ctx context.Context, req *StageRequest) (*StageResult, error)
//	}
//
// Реализации:
//   - HTTPExecutor — вызов внешнего сервиса стадии по HTTP
//   - StubExecutor — синтетический результат (dev-окружение и тесты)
//
// Пакет различает два уровня ошибок:
//   - Инфраструктурные (error от Execute) — сеть упала, DNS не
//     резолвится. Retryable (reason executor_error).
//   - Логические (StageResult.Error) — executor отработал и сообщил
//     о неудаче. Тоже executor_error, но с заметками для оператора.
//
// Превышение soft timeout стадии даёт reason timeout. Решение о
// повторе принимает супервизор по next_retry_at, сам воркер
// сообщение не перепубликует.
package worker
