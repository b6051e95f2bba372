// Conveyor Supervisor — фоновые обходы зависших и упавших стадий.
//
// Supervisor:
//   - Переводит running-стадии, пересидевшие soft timeout, в failed
//   - Возвращает упавшие стадии с наступившим backoff в очередь воркеров
//   - Чистит закрытые окна лимитера
//
// Работает в единственном экземпляре через pg advisory lock:
// CAS-переходы делают конкурентные экземпляры безопасными, но
// лидерство избавляет от лишних пустых обходов.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/supervisor"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const supervisorLockKey int64 = 727272

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-supervisor")

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

	// RabbitMQ: без него retry-стадии остаются pending
	// и долетают до воркеров через polling оркестратора.
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, retries will reach workers via orchestrator polling", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	supCfg := supervisor.Config{
		Store:  store,
		Logger: logger,
	}
	if publisher != nil {
		// Не кладём typed-nil в интерфейс: супервизор проверяет на nil.
		supCfg.Publisher = publisher
	}
	sup := supervisor.New(supCfg)

	// Цикл обходов под advisory lock.
	go func() {
		defer func() {
			_, _ = pool.Exec(context.Background(), "select pg_advisory_unlock($1)", supervisorLockKey)
		}()

		for {
			var leader bool
			if err := pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", supervisorLockKey).Scan(&leader); err != nil {
				logger.Error("advisory lock error", "error", err)
			}
			if leader {
				// Run блокирует до отмены контекста.
				_ = sup.Run(ctx)
				return
			}

			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("SUPERVISOR_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("conveyor-supervisor stopped")
}
