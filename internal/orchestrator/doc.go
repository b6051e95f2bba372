// Package orchestrator управляет выполнением runs.
//
// Orchestrator отвечает за:
//   - Получение новых runs из очереди RabbitMQ
//   - Диспатч стадий конвейера строго в объявленном порядке
//   - Отслеживание завершения попыток стадий
//   - Продвижение run к следующей стадии
//   - Финализацию run (completed/failed/cancelled)
//
// Источник истины о прогрессе — строки стадий в БД, а не память
// процесса: после рестарта оркестратор продолжает с того же места.
// Все переходы статусов проходят через compare-and-set, поэтому
// конкурирующие оркестраторы не продвигают run дважды.
package orchestrator
