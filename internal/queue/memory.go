package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/shaiso/dmn-worker/internal/domain"
)

// SignalKind — вид терминального сигнала.
type SignalKind string

const (
	SignalComplete SignalKind = "complete"
	SignalFail     SignalKind = "fail"
	SignalSkip     SignalKind = "skip"
)

// Signal — сигнал, полученный брокером от воркера.
type Signal struct {
	Kind    SignalKind
	Key     string
	Payload []byte
	Retries int
	Message string
}

// Memory — брокер в памяти процесса.
//
// Повторяет семантику реальной очереди:
//   - Stream выдаёт не больше credits незавершённых tasks (prefetch)
//   - Fail с retries > 0 возвращает task в очередь
//   - при потере подписки незавершённые tasks возвращаются в очередь
//     (аналог истечения lock timeout)
type Memory struct {
	mu sync.Mutex

	pending map[string][]*domain.Task // taskType → FIFO
	leases  map[string]*memoryStream  // key → владелец
	streams map[*memoryStream]struct{}
	signals []Signal

	unreachable bool
	inFlight    int
	maxInFlight int

	// changed закрывается и пересоздаётся при каждом изменении состояния
	changed chan struct{}
}

// NewMemory создаёт пустой брокер.
func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string][]*domain.Task),
		leases:  make(map[string]*memoryStream),
		streams: make(map[*memoryStream]struct{}),
		changed: make(chan struct{}),
	}
}

// Enqueue добавляет task в очередь.
func (m *Memory) Enqueue(task domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := task
	t.State = domain.TaskStateCreated
	m.pending[t.Type] = append(m.pending[t.Type], &t)
	m.broadcastLocked()
}

// SetUnreachable включает/выключает недоступность очереди для Open.
func (m *Memory) SetUnreachable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = v
}

// Disconnect обрывает все подписки. Незавершённые tasks возвращаются в очередь.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := range m.streams {
		m.dropLocked(s)
		s.lost = true
	}
	m.broadcastLocked()
}

// Signals возвращает копию всех полученных сигналов.
func (m *Memory) Signals() []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.signals)
}

// SignalsFor возвращает сигналы по ключу task.
func (m *Memory) SignalsFor(key string) []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Signal
	for _, s := range m.signals {
		if s.Key == key {
			out = append(out, s)
		}
	}
	return out
}

// Pending возвращает количество tasks в очереди для типа.
func (m *Memory) Pending(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[taskType])
}

// MaxInFlight возвращает максимум одновременно захваченных tasks за всё время.
func (m *Memory) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Open открывает подписку.
func (m *Memory) Open(_ context.Context, taskType string, credits int) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return nil, fmt.Errorf("%w: broker unreachable", ErrConnection)
	}
	if credits <= 0 {
		credits = 1
	}

	s := &memoryStream{
		broker:   m,
		taskType: taskType,
		credits:  credits,
		locked:   make(map[string]*domain.Task),
	}
	m.streams[s] = struct{}{}
	return s, nil
}

// broadcastLocked будит всех ожидающих в Next.
func (m *Memory) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// dropLocked снимает подписку и возвращает её tasks в начало очереди.
func (m *Memory) dropLocked(s *memoryStream) {
	for key, t := range s.locked {
		delete(m.leases, key)
		t.State = domain.TaskStateCreated
		m.pending[t.Type] = append([]*domain.Task{t}, m.pending[t.Type]...)
		m.inFlight--
	}
	s.locked = make(map[string]*domain.Task)
	delete(m.streams, s)
}

// releaseLocked проверяет владение и снимает lease.
func (m *Memory) releaseLocked(s *memoryStream, key string) (*domain.Task, error) {
	if s.lost {
		return nil, fmt.Errorf("%w: stream lost", ErrConnection)
	}
	if s.closed {
		return nil, ErrStreamClosed
	}

	t, ok := s.locked[key]
	if !ok || m.leases[key] != s {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}

	delete(s.locked, key)
	delete(m.leases, key)
	m.inFlight--
	return t, nil
}

// memoryStream — подписка на Memory.
type memoryStream struct {
	broker   *Memory
	taskType string
	credits  int

	// защищены broker.mu
	locked map[string]*domain.Task
	closed bool
	lost   bool
}

// Next выдаёт следующий task, соблюдая лимит credits.
func (s *memoryStream) Next(ctx context.Context) (*domain.Task, error) {
	m := s.broker

	for {
		m.mu.Lock()
		if s.closed {
			m.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if s.lost {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: stream lost", ErrConnection)
		}

		queue := m.pending[s.taskType]
		if len(s.locked) < s.credits && len(queue) > 0 {
			t := queue[0]
			m.pending[s.taskType] = queue[1:]

			t.State = domain.TaskStateLocked
			s.locked[t.Key] = t
			m.leases[t.Key] = s
			m.inFlight++
			m.maxInFlight = max(m.maxInFlight, m.inFlight)

			out := *t
			out.State = domain.TaskStateCreated
			m.mu.Unlock()
			return &out, nil
		}

		wait := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Complete завершает task.
func (s *memoryStream) Complete(_ context.Context, key string, payload []byte) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.releaseLocked(s, key); err != nil {
		return err
	}

	m.signals = append(m.signals, Signal{Kind: SignalComplete, Key: key, Payload: slices.Clone(payload)})
	m.broadcastLocked()
	return nil
}

// Fail сообщает об ошибке task.
func (s *memoryStream) Fail(_ context.Context, key string, retries int, message string) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.releaseLocked(s, key)
	if err != nil {
		return err
	}

	m.signals = append(m.signals, Signal{Kind: SignalFail, Key: key, Retries: retries, Message: message})

	// Остались попытки — очередь доставит task повторно
	if retries > 0 {
		t.State = domain.TaskStateCreated
		t.Retries = retries
		t.Error = message
		m.pending[t.Type] = append(m.pending[t.Type], t)
	}

	m.broadcastLocked()
	return nil
}

// Skip освобождает task без терминального сигнала.
func (s *memoryStream) Skip(_ context.Context, key string) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.releaseLocked(s, key); err != nil {
		return err
	}

	m.signals = append(m.signals, Signal{Kind: SignalSkip, Key: key})
	m.broadcastLocked()
	return nil
}

// Close закрывает подписку.
func (s *memoryStream) Close() error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return nil
	}

	if !s.lost {
		m.dropLocked(s)
	}
	s.closed = true
	m.broadcastLocked()
	return nil
}
