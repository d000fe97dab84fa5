package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/dmn-worker/internal/codec"
	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/domain"
	"github.com/shaiso/dmn-worker/internal/queue"
	"github.com/shaiso/dmn-worker/internal/telemetry"
)

const defaultEvalTimeout = 10 * time.Second

// Outcome — итог обработки одного task.
type Outcome struct {
	// State — состояние task после обработки.
	State domain.TaskState

	// Class — класс ошибки (для FAILED).
	Class Class

	// Retries — оставшиеся попытки, переданные в Fail.
	Retries int

	// Err — причина ошибки (для FAILED) или ошибка отправки сигнала.
	Err error

	// Skipped — task уже был завершён ранее, сигнал не отправлялся.
	Skipped bool

	// Abandoned — сигнал не дошёл до очереди; task вернётся по lock timeout.
	Abandoned bool
}

// Handler выполняет pipeline одного task:
//
//  1. Чтение заголовка decisionRef
//  2. Декодирование payload
//  3. Вычисление decision (с таймаутом)
//  4. Кодирование результата {"result": ...}
//  5. Complete
//
// Ошибка на любом шаге превращается в Fail с retries по классу ошибки.
// Сигнал отправляется только после окончания вычисления и не более
// одного раза на task.
type Handler struct {
	evaluator   decision.Evaluator
	journal     Journal
	header      string
	evalTimeout time.Duration
	logger      *slog.Logger
}

// HandlerConfig — конфигурация Handler.
type HandlerConfig struct {
	Evaluator      decision.Evaluator
	Journal        Journal       // default: NewMemoryJournal(0)
	DecisionHeader string        // default: decisionRef
	EvalTimeout    time.Duration // default: 10s
	Logger         *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	journal := cfg.Journal
	if journal == nil {
		journal = NewMemoryJournal(0)
	}

	header := cfg.DecisionHeader
	if header == "" {
		header = domain.DefaultDecisionHeader
	}

	timeout := cfg.EvalTimeout
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		evaluator:   cfg.Evaluator,
		journal:     journal,
		header:      header,
		evalTimeout: timeout,
		logger:      logger,
	}
}

// Handle обрабатывает захваченный task.
func (h *Handler) Handle(ctx context.Context, claim *Claim) Outcome {
	task := claim.Task
	logger := telemetry.WithTaskKey(h.logger, task.Key)

	// 0. Task уже завершался (повторная доставка) — второго сигнала не будет
	resolved, err := h.journal.Resolved(ctx, task.Key)
	if err != nil {
		logger.Warn("journal lookup failed, processing task", "error", err)
	}
	if resolved {
		return h.skip(ctx, claim, logger)
	}

	// 1. Ссылка на decision
	ref, err := task.DecisionRef(h.header)
	if err != nil {
		return h.fail(ctx, claim, logger, err)
	}
	logger = telemetry.WithDecisionRef(logger, ref)

	// 2. Входные данные
	input, err := codec.Decode(task.Payload)
	if err != nil {
		return h.fail(ctx, claim, logger, err)
	}

	logger.Debug("task started", "retries", task.Retries)

	// 3. Вычисление
	result, err := h.evaluate(ctx, ref, input)
	if err != nil {
		return h.fail(ctx, claim, logger, err)
	}

	// 4. Результат
	payload, err := codec.EncodeResult(result.Output())
	if err != nil {
		return h.fail(ctx, claim, logger, fmt.Errorf("%w: result is not representable: %v", decision.ErrEvaluation, err))
	}

	// 5. Завершение
	return h.complete(ctx, claim, logger, payload, result.Matched)
}

// evaluate вызывает Evaluator с таймаутом и перехватом паники.
func (h *Handler) evaluate(ctx context.Context, ref string, input map[string]any) (result decision.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.evalTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEvaluatorPanic, r)
		}
	}()

	start := time.Now()
	result, err = h.evaluator.Evaluate(ctx, ref, input)
	telemetry.EvaluationDuration.WithLabelValues(ref).Observe(time.Since(start).Seconds())

	if err == nil && ctx.Err() != nil {
		// Evaluator вернул ответ уже после дедлайна — не доверяем ему
		return decision.Result{}, fmt.Errorf("%w: %w", decision.ErrUnavailable, ctx.Err())
	}
	return result, err
}

// complete отправляет Complete.
func (h *Handler) complete(ctx context.Context, claim *Claim, logger *slog.Logger, payload []byte, matched bool) Outcome {
	task := claim.Task

	if err := task.MarkCompleted(); err != nil {
		logger.Error("task already resolved", "error", err)
		return Outcome{State: task.State, Err: err}
	}

	err := claim.Complete(ctx, payload)
	if out, ok := h.signalFailed(ctx, task, logger, err); ok {
		return out
	}

	telemetry.TasksCompleted.Inc()
	logger.Info("task completed", "matched", matched)

	return Outcome{State: domain.TaskStateCompleted}
}

// fail отправляет Fail с retries по классу ошибки.
func (h *Handler) fail(ctx context.Context, claim *Claim, logger *slog.Logger, cause error) Outcome {
	task := claim.Task
	class := Classify(cause)
	retries := RetriesAfter(class, task.Retries)

	if err := task.MarkFailed(retries, cause.Error()); err != nil {
		logger.Error("task already resolved", "error", err)
		return Outcome{State: task.State, Err: err}
	}

	err := claim.Fail(ctx, retries, cause.Error())
	if out, ok := h.signalFailed(ctx, task, logger, err); ok {
		out.Class = class
		return out
	}

	telemetry.TasksFailed.WithLabelValues(class.String()).Inc()
	logger.Warn("task failed",
		"class", class.String(),
		"retries", retries,
		"error", cause,
	)

	return Outcome{State: domain.TaskStateFailed, Class: class, Retries: retries, Err: cause}
}

// skip освобождает повторно доставленный task.
func (h *Handler) skip(ctx context.Context, claim *Claim, logger *slog.Logger) Outcome {
	if err := claim.Skip(ctx); err != nil {
		logger.Warn("failed to release redelivered task", "error", err)
		return Outcome{State: claim.Task.State, Skipped: true, Abandoned: true, Err: err}
	}

	telemetry.TasksSkipped.Inc()
	logger.Info("task already resolved, redelivery skipped")

	return Outcome{State: claim.Task.State, Skipped: true}
}

// signalFailed разбирает ошибку отправки сигнала и пишет журнал.
// Возвращает ok=true, если сигнал не дошёл и task брошен очереди.
func (h *Handler) signalFailed(ctx context.Context, task *domain.Task, logger *slog.Logger, err error) (Outcome, bool) {
	if err != nil && !errors.Is(err, queue.ErrUnacknowledged) {
		// Подписка потеряна: task вернётся в очередь по lock timeout
		logger.Warn("signal not delivered, task abandoned to queue",
			"state", task.State,
			"error", err,
		)
		return Outcome{State: task.State, Abandoned: true, Err: err}, true
	}

	if errors.Is(err, queue.ErrUnacknowledged) {
		logger.Warn("signal sent but not acknowledged, redelivery will be skipped", "error", err)
	}

	// Повторная доставка FAILED с retries > 0 — это новая попытка, не дубль
	if task.IsTerminal() {
		if err := h.journal.Record(ctx, task.Key, task.State, task.Error); err != nil {
			logger.Warn("failed to record resolution", "error", err)
		}
	}

	return Outcome{}, false
}
