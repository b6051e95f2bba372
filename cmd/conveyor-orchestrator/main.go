// Conveyor Orchestrator — продвигает runs по конвейеру стадий.
//
// Orchestrator:
//   - Получает сигналы о новых pending runs и завершениях стадий из RabbitMQ
//   - Диспатчит стадии в строгом порядке конвейера
//   - Держит backpressure по количеству стадий в полёте
//   - Финализирует runs, сворачивая телеметрию стадий
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-orchestrator")

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

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqConn, err = mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Создаём orchestrator
	orchCfg := orchestrator.Config{
		Store:  store,
		Conn:   mqConn,
		Logger: logger,
	}
	if publisher != nil {
		// Не кладём typed-nil в интерфейс: диспатчер проверяет на nil.
		orchCfg.Publisher = publisher
	}
	orch := orchestrator.New(orchCfg)

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
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

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("conveyor-orchestrator stopped")
}
