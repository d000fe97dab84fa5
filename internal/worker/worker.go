package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/queue"
	"github.com/shaiso/dmn-worker/internal/telemetry"
)

// Default configuration values.
const (
	DefaultTaskType        = "DMN"
	defaultShutdownTimeout = 30 * time.Second
)

// Worker вычисляет decisions для tasks одного типа.
//
// Worker:
//   - Держит подписку на очередь с ограничением credits
//   - Запускает обработчик на каждый захваченный task (не больше credits одновременно)
//   - Переподключается с exponential backoff при потере подписки
//   - При остановке дожидается текущих обработчиков до дедлайна
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	claims  *ClaimManager
	handler *Handler
	backoff Backoff
	logger  *slog.Logger

	// Lifecycle
	mu         sync.Mutex
	started    bool
	stopped    bool
	cancelFunc context.CancelFunc
	loopDone   chan struct{}
	handlers   sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	// Queue
	Client   queue.Client
	TaskType string // тип task (default: DMN)
	Credits  int    // максимум одновременно захваченных tasks (default: 32)

	// Decision
	Evaluator      decision.Evaluator
	DecisionHeader string        // заголовок со ссылкой на decision (default: decisionRef)
	EvalTimeout    time.Duration // таймаут одного вычисления (default: 10s)

	// Journal завершённых tasks (опционально; если nil — в памяти)
	Journal Journal

	// Backoff переподключения (default: 1s → 30s)
	Backoff Backoff

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = DefaultTaskType
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task_type", taskType)

	return &Worker{
		claims: NewClaimManager(cfg.Client, taskType, cfg.Credits, logger),
		handler: NewHandler(HandlerConfig{
			Evaluator:      cfg.Evaluator,
			Journal:        cfg.Journal,
			DecisionHeader: cfg.DecisionHeader,
			EvalTimeout:    cfg.EvalTimeout,
			Logger:         logger,
		}),
		backoff: cfg.Backoff,
		logger:  logger,
	}
}

// Start открывает подписку и запускает цикл dispatch.
//
// Если очередь недоступна, возвращает ошибку с queue.ErrConnection;
// Start можно вызвать повторно.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	if w.started {
		return ErrAlreadyStarted
	}

	if err := w.claims.Open(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel
	w.loopDone = make(chan struct{})
	w.started = true

	// Обработчики не прерываются отменой: Stop только перестаёт брать новые tasks
	handlerCtx := context.WithoutCancel(ctx)

	go w.dispatchLoop(loopCtx, handlerCtx)

	w.logger.Info("worker started", "credits", w.claims.credits)
	return nil
}

// Stop перестаёт брать новые tasks, ждёт текущие обработчики
// не дольше timeout и закрывает подписку.
//
// Обработчики, не успевшие за timeout, продолжают работу, но их
// tasks отдаются очереди (lock timeout). В этом случае возвращается
// ErrShutdownTimeout.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.stopped = true
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	cancel := w.cancelFunc
	loopDone := w.loopDone
	w.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	w.logger.Info("stopping worker...", "in_flight", w.claims.InFlight())

	// Новые tasks больше не берём
	cancel()
	<-loopDone

	// Ждём текущие обработчики
	drained := make(chan struct{})
	go func() {
		w.handlers.Wait()
		close(drained)
	}()

	var stopErr error
	select {
	case <-drained:
	case <-time.After(timeout):
		stopErr = fmt.Errorf("%w: %d tasks", ErrShutdownTimeout, w.claims.InFlight())
		w.logger.Warn("shutdown deadline exceeded, leaving tasks to queue lock timeout",
			"in_flight", w.claims.InFlight(),
		)
	}

	if err := w.claims.Close(); err != nil {
		w.logger.Warn("failed to close subscription", "error", err)
	}

	w.logger.Info("worker stopped")
	return stopErr
}

// Healthy возвращает true, если воркер запущен и подписка жива.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	running := w.started && !w.stopped
	w.mu.Unlock()

	return running && w.claims.Healthy()
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// InFlight возвращает количество незавершённых tasks.
func (w *Worker) InFlight() int {
	return w.claims.InFlight()
}

// dispatchLoop — цикл захвата tasks.
// Сам ничего не вычисляет: ждёт credit и task, запускает обработчик.
func (w *Worker) dispatchLoop(ctx, handlerCtx context.Context) {
	defer close(w.loopDone)

	for {
		claim, err := w.claims.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			switch {
			case errors.Is(err, queue.ErrConnection):
				if !w.reconnect(ctx, err) {
					return
				}
			case errors.Is(err, queue.ErrStreamClosed), errors.Is(err, ErrNotOpen):
				// Подписку закрыли не мы через Stop — открываем заново
				if !w.reconnect(ctx, err) {
					return
				}
			default:
				w.logger.Error("failed to claim task", "error", err)
			}
			continue
		}

		w.handlers.Add(1)
		go func() {
			defer w.handlers.Done()
			defer w.claims.Resolve(claim)

			w.handler.Handle(handlerCtx, claim)
		}()
	}
}

// reconnect переоткрывает подписку с exponential backoff.
// Tasks, захваченные до потери, не восстанавливаются: очередь
// вернёт их сама по lock timeout.
func (w *Worker) reconnect(ctx context.Context, cause error) bool {
	w.logger.Warn("subscription lost, reconnecting",
		"error", cause,
		"abandoned", w.claims.InFlight(),
	)

	if err := w.claims.Close(); err != nil {
		w.logger.Debug("close lost subscription", "error", err)
	}

	for attempt := 1; ; attempt++ {
		delay := w.backoff.Delay(attempt)

		w.logger.Info("attempting to reconnect", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := w.claims.Open(ctx); err != nil {
			w.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		telemetry.Reconnects.Inc()
		w.logger.Info("reconnected", "attempt", attempt)
		return true
	}
}
