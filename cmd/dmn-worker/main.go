// DMN Worker — вычисляет decisions для tasks из очереди.
//
// Worker:
//   - Получает tasks типа DMN_TASK_TYPE из RabbitMQ (не больше DMN_CREDITS одновременно)
//   - Вычисляет decision из заголовка decisionRef через движок DMN_ENGINE_URL
//   - Отправляет результат {"result": ...} или ошибку с оставшимися retries
//   - Переподключается с exponential backoff при потере соединения
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/dmn-worker/internal/config"
	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/mq"
	"github.com/shaiso/dmn-worker/internal/queue"
	"github.com/shaiso/dmn-worker/internal/repo"
	"github.com/shaiso/dmn-worker/internal/scheduler"
	"github.com/shaiso/dmn-worker/internal/telemetry"
	"github.com/shaiso/dmn-worker/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	logger.Info("starting dmn-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Journal: PostgreSQL, если задан DB_URL, иначе в памяти
	var journal worker.Journal
	if cfg.DBURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		journalRepo := repo.NewJournalRepo(pool)
		if err := journalRepo.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare journal schema", "error", err)
			os.Exit(1)
		}
		journal = journalRepo
		logger.Info("database connected, using persistent journal")

		pruner, err := scheduler.New(scheduler.Config{
			Store:     journalRepo,
			Schedule:  cfg.JournalPruneSchedule,
			Retention: cfg.JournalRetention,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("invalid journal prune schedule", "error", err)
			os.Exit(1)
		}
		go pruner.Run(ctx)
	} else {
		journal = worker.NewMemoryJournal(0)
		logger.Info("DB_URL not set, using in-memory journal")
	}

	// RabbitMQ
	mqConn := mq.NewConnection(cfg.RabbitMQURL, logger)
	defer mqConn.Close()

	broker := mq.NewBroker(mqConn, logger, mq.BrokerConfig{DefaultRetries: cfg.DefaultRetries})

	// Создаём worker
	w := worker.New(worker.Config{
		Client:         broker,
		TaskType:       cfg.TaskType,
		Credits:        cfg.Credits,
		Evaluator:      decision.NewHTTPGateway(cfg.EngineURL, cfg.EvalTimeout),
		DecisionHeader: cfg.DecisionHeader,
		EvalTimeout:    cfg.EvalTimeout,
		Journal:        journal,
		Backoff:        worker.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		Logger:         logger,
	})

	// HTTP: /healthz + /metrics
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           telemetry.NewMux(w.Healthy, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Запускаем worker; пока RabbitMQ недоступен, повторяем с backoff
	backoff := worker.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}
	if !startWorker(ctx, w, cfg.TaskType, mqConn, backoff, logger) {
		shutdownHTTP(srv, logger)
		logger.Info("dmn-worker stopped before start")
		return
	}

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	if err := w.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("worker stopped with tasks in flight", "error", err)
	}
	shutdownHTTP(srv, logger)
	logger.Info("dmn-worker stopped")
}

// startWorker объявляет топологию и запускает worker.
// Возвращает false, если ctx отменён раньше, чем worker запустился.
func startWorker(ctx context.Context, w *worker.Worker, taskType string, conn *mq.Connection, backoff worker.Backoff, logger *slog.Logger) bool {
	for attempt := 1; ; attempt++ {
		err := mq.SetupTopology(ctx, conn, taskType)
		if err == nil {
			err = w.Start(ctx)
		}
		if err == nil {
			return true
		}

		if !errors.Is(err, queue.ErrConnection) {
			logger.Error("failed to start worker", "error", err)
			os.Exit(1)
		}

		delay := backoff.Delay(attempt)
		logger.Warn("RabbitMQ not available, retrying", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
}
