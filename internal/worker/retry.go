package worker

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/dmn-worker/internal/codec"
	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/domain"
	"github.com/shaiso/dmn-worker/internal/queue"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Class — класс ошибки.
type Class int

const (
	// ClassTerminal — повтор бессмыслен: ошибка в заголовках, payload
	// или семантике decision. Task падает с retries = 0.
	ClassTerminal Class = iota

	// ClassTransient — сеть, таймаут. Task падает с retries - 1,
	// очередь доставит его повторно.
	ClassTransient

	// ClassConnection — потеря подписки. Не относится ни к одному task,
	// обрабатывается переподключением.
	ClassConnection
)

// String возвращает имя класса (используется как label метрики).
func (c Class) String() string {
	switch c {
	case ClassTerminal:
		return "terminal"
	case ClassTransient:
		return "transient"
	case ClassConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Classify определяет класс ошибки.
//
// Неизвестные ошибки считаются временными: бюджет retries task
// всё равно ограничивает количество повторов.
func Classify(err error) Class {
	switch {
	case errors.Is(err, queue.ErrConnection):
		return ClassConnection
	case errors.Is(err, domain.ErrMissingDecisionRef),
		errors.Is(err, codec.ErrMalformedPayload),
		errors.Is(err, decision.ErrEvaluation),
		errors.Is(err, ErrEvaluatorPanic):
		return ClassTerminal
	case errors.Is(err, decision.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// RetriesAfter возвращает, сколько попыток останется у task после ошибки.
//
// Terminal — 0 (очередь считает бюджет исчерпанным).
// Transient — уменьшаем собственный бюджет task, а не воркера.
func RetriesAfter(class Class, retries int) int {
	if class != ClassTransient {
		return 0
	}
	return max(retries-1, 0)
}

// Backoff — экспоненциальная задержка с потолком.
//
//	delay = Initial * 2^(attempt-1), capped at Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay вычисляет задержку перед попыткой attempt (начиная с 1).
func (b Backoff) Delay(attempt int) time.Duration {
	initialDelay := b.Initial
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}

	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	delay := initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
