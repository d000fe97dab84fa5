package worker

import (
	"context"
	"sync"

	"github.com/shaiso/dmn-worker/internal/domain"
)

const defaultJournalLimit = 100_000

// Journal — журнал tasks, по которым воркер уже отправил терминальный сигнал.
//
// Защищает от второго завершения, когда очередь доставляет task повторно
// (например, подтверждение потерялось вместе с соединением).
// Реализации: MemoryJournal, repo.JournalRepo (PostgreSQL).
type Journal interface {
	// Resolved возвращает true, если по task уже был терминальный сигнал.
	Resolved(ctx context.Context, key string) (bool, error)

	// Record сохраняет терминальное состояние task.
	Record(ctx context.Context, key string, state domain.TaskState, message string) error
}

// MemoryJournal — журнал в памяти процесса с ограничением размера.
// При переполнении вытесняются самые старые записи.
type MemoryJournal struct {
	mu      sync.Mutex
	limit   int
	entries map[string]domain.TaskState
	order   []string
}

// NewMemoryJournal создаёт журнал на limit записей (default: 100000).
func NewMemoryJournal(limit int) *MemoryJournal {
	if limit <= 0 {
		limit = defaultJournalLimit
	}

	return &MemoryJournal{
		limit:   limit,
		entries: make(map[string]domain.TaskState),
	}
}

// Resolved проверяет наличие записи.
func (j *MemoryJournal) Resolved(_ context.Context, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, ok := j.entries[key]
	return ok, nil
}

// Record добавляет запись.
func (j *MemoryJournal) Record(_ context.Context, key string, state domain.TaskState, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.entries[key]; ok {
		return nil
	}

	if len(j.order) >= j.limit {
		oldest := j.order[0]
		j.order = j.order[1:]
		delete(j.entries, oldest)
	}

	j.entries[key] = state
	j.order = append(j.order, key)
	return nil
}

// Len возвращает количество записей.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
