// Package queue описывает протокол подписки на поток tasks.
//
// Воркер общается с очередью только через четыре операции:
//
//	open(type, credits) → Stream
//	next()              → Task
//	complete(key, payload)
//	fail(key, retriesRemaining, message)
//
// Формат на проводе — забота конкретного транспорта (см. пакет mq).
// Memory — реализация в памяти процесса, используется в тестах.
package queue

import (
	"context"
	"errors"

	"github.com/shaiso/dmn-worker/internal/domain"
)

// Ошибки протокола.
var (
	// ErrConnection — очередь недоступна или подписка потеряна.
	// Ошибка уровня подписки: не относится ни к одному task.
	ErrConnection = errors.New("queue connection lost")

	// ErrStreamClosed — подписка закрыта локально.
	ErrStreamClosed = errors.New("stream closed")

	// ErrUnknownTask — task с таким ключом не захвачен этой подпиской.
	ErrUnknownTask = errors.New("task is not locked by this stream")

	// ErrUnacknowledged — терминальный сигнал отправлен, но подтверждение
	// доставки не прошло. Очередь может доставить task повторно, и воркер
	// должен считать его уже завершённым.
	ErrUnacknowledged = errors.New("signal sent but delivery not acknowledged")
)

// Client открывает подписки на очередь.
type Client interface {
	// Open открывает подписку на tasks типа taskType
	// с не более чем credits одновременно захваченными tasks.
	Open(ctx context.Context, taskType string, credits int) (Stream, error)
}

// Stream — открытая подписка.
//
// Next вызывается одной горутиной (цикл dispatch), Complete/Fail/Skip —
// конкурентно из обработчиков.
type Stream interface {
	// Next блокируется до появления task или закрытия подписки.
	Next(ctx context.Context) (*domain.Task, error)

	// Complete завершает task с выходным payload.
	Complete(ctx context.Context, key string, payload []byte) error

	// Fail сообщает об ошибке. retries — сколько попыток осталось у task;
	// при retries > 0 очередь доставит task повторно.
	Fail(ctx context.Context, key string, retries int, message string) error

	// Skip освобождает task без терминального сигнала.
	// Используется для повторной доставки task, который воркер уже завершил.
	Skip(ctx context.Context, key string) error

	// Close закрывает подписку. Незавершённые tasks возвращаются очереди.
	Close() error
}
