// Conveyor Worker — выполняет попытки стадий.
//
// Worker:
//   - Получает stage.dispatch из RabbitMQ (пул из 4 потребителей, prefetch 1)
//   - Забирает попытку compare-and-set'ом pending→running
//   - Проверяет бюджетный потолок и лимит вызовов до исполнения
//   - Выполняет стадию через executor и публикует результат
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/budget"
	"github.com/shaiso/Conveyor/internal/metering"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/ratelimit"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	store := repo.NewStore(pool)

	// RabbitMQ: воркер без очереди бесполезен.
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	// Создаём топологию
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}

	publisher := mq.NewPublisher(mqConn, logger)

	// Executor: внешний сервис стадий или стаб.
	var registry *worker.Registry
	if baseURL := os.Getenv("STAGES_URL"); baseURL != "" {
		registry = worker.NewRegistry(&worker.HTTPExecutor{BaseURL: baseURL})
		logger.Info("using HTTP stage executor", "base_url", baseURL)
	}

	ledger := budget.NewLedger(store)

	// Создаём worker
	w := worker.New(worker.Config{
		Store:      store,
		Publisher:  publisher,
		Conn:       mqConn,
		Registry:   registry,
		Ledger:     ledger,
		Aggregator: metering.NewAggregator(store, ledger),
		Limiter:    ratelimit.NewLimiter(store, ratelimit.DefaultConfig()),
		Logger:     logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	w.Stop()
	logger.Info("conveyor-worker stopped")
}
