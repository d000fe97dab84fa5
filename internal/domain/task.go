package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultDecisionHeader — заголовок task со ссылкой на decision.
const DefaultDecisionHeader = "decisionRef"

// Ошибки модели task.
var (
	// ErrMissingDecisionRef — у task нет заголовка со ссылкой на decision.
	// Это ошибка развёртывания процесса, а не временный сбой.
	ErrMissingDecisionRef = errors.New("missing decision reference")

	// ErrInvalidTransition — переход состояния невозможен
	// (например, повторное завершение уже завершённого task).
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Task — единица работы, доставленная очередью.
//
// Task принадлежит одному обработчику от захвата до терминального
// состояния. Между конкурентными обработчиками task не разделяется.
type Task struct {
	// Key — непрозрачный идентификатор task, уникальный для захвата.
	Key string `json:"key"`

	// Type — тип task. Воркер захватывает только task своего типа.
	Type string `json:"type"`

	// Headers — заголовки task (содержат ссылку на decision).
	Headers map[string]string `json:"headers,omitempty"`

	// Payload — входные данные (JSON-документ).
	Payload []byte `json:"payload,omitempty"`

	// Retries — сколько попыток осталось у task.
	Retries int `json:"retries"`

	// State — текущее состояние.
	State TaskState `json:"state"`

	// Error — сообщение последней ошибки.
	Error string `json:"error,omitempty"`

	// LockedAt — время захвата.
	LockedAt *time.Time `json:"locked_at,omitempty"`

	// ResolvedAt — время отправки терминального сигнала.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// DecisionRef извлекает ссылку на decision из заголовка header.
func (t *Task) DecisionRef(header string) (string, error) {
	if header == "" {
		header = DefaultDecisionHeader
	}

	ref := strings.TrimSpace(t.Headers[header])
	if ref == "" {
		return "", fmt.Errorf("%w: header %q is empty or absent", ErrMissingDecisionRef, header)
	}
	return ref, nil
}

// MarkLocked переводит task в LOCKED.
func (t *Task) MarkLocked() error {
	if t.State.IsResolved() || t.State == TaskStateLocked {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.State, TaskStateLocked)
	}
	now := time.Now()
	t.State = TaskStateLocked
	t.LockedAt = &now
	return nil
}

// MarkCompleted переводит task в COMPLETED.
func (t *Task) MarkCompleted() error {
	if t.State != TaskStateLocked {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.State, TaskStateCompleted)
	}
	now := time.Now()
	t.State = TaskStateCompleted
	t.ResolvedAt = &now
	return nil
}

// MarkFailed переводит task в FAILED с оставшимся количеством попыток.
func (t *Task) MarkFailed(retriesRemaining int, msg string) error {
	if t.State != TaskStateLocked {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.State, TaskStateFailed)
	}
	now := time.Now()
	t.State = TaskStateFailed
	t.Retries = max(retriesRemaining, 0)
	t.Error = msg
	t.ResolvedAt = &now
	return nil
}

// IsTerminal возвращает true для COMPLETED и для FAILED без оставшихся попыток.
// FAILED с retries > 0 очередь вернёт в CREATED.
func (t *Task) IsTerminal() bool {
	switch t.State {
	case TaskStateCompleted:
		return true
	case TaskStateFailed:
		return t.Retries == 0
	default:
		return false
	}
}

// Duration возвращает время от захвата до терминального сигнала.
func (t *Task) Duration() time.Duration {
	if t.LockedAt == nil || t.ResolvedAt == nil {
		return 0
	}
	return t.ResolvedAt.Sub(*t.LockedAt)
}
