// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления runs конвейера.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns("owner-uuid", 50)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы под группой run:
//   - run: create, start, list, show, cancel, stages, assets, invocations
//
// Группа создаётся через фабричную функцию NewRunCmd, принимающую
// clientFn и outputFn — замыкания для ленивого создания Client
// и Output после парсинга PersistentFlags.
package cli
