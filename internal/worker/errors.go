package worker

import "errors"

// Ошибки воркера.
var (
	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrAlreadyStarted — повторный вызов Start.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotOpen — подписка не открыта.
	ErrNotOpen = errors.New("subscription is not open")

	// ErrShutdownTimeout — не все обработчики завершились до дедлайна остановки.
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded with tasks in flight")

	// ErrEvaluatorPanic — Evaluator паниковал во время вычисления.
	ErrEvaluatorPanic = errors.New("evaluator panicked")
)
