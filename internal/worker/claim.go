package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/dmn-worker/internal/domain"
	"github.com/shaiso/dmn-worker/internal/queue"
	"github.com/shaiso/dmn-worker/internal/telemetry"
)

const defaultCredits = 32

// Claim — захваченный task вместе с подпиской, из которой он пришёл.
// Сигналы task отправляются только в его подписку.
type Claim struct {
	Task *domain.Task

	stream   queue.Stream
	manager  *ClaimManager
	released bool // защищён ClaimManager.mu
}

// Complete завершает task.
func (c *Claim) Complete(ctx context.Context, payload []byte) error {
	c.manager.forget(c)
	return c.stream.Complete(ctx, c.Task.Key, payload)
}

// Fail сообщает об ошибке task. Брокер может выдать повтор
// ещё до возврата из Fail.
func (c *Claim) Fail(ctx context.Context, retries int, message string) error {
	c.manager.forget(c)
	return c.stream.Fail(ctx, c.Task.Key, retries, message)
}

// Skip освобождает task без терминального сигнала.
func (c *Claim) Skip(ctx context.Context) error {
	c.manager.forget(c)
	return c.stream.Skip(ctx, c.Task.Key)
}

// ClaimManager владеет подпиской и credits.
//
// Credit занимается при захвате task и возвращается только после того,
// как task достиг терминального состояния с точки зрения воркера
// (или был брошен при потере подписки). Так число одновременно
// вычисляемых decisions ограничено credits.
type ClaimManager struct {
	client   queue.Client
	taskType string
	credits  int
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	stream   queue.Stream
	healthy  bool
	inFlight map[string]*Claim // ключи, по которым сигнал ещё не отправлен
	held     int               // claims, чей credit ещё не возвращён
}

// NewClaimManager создаёт ClaimManager.
func NewClaimManager(client queue.Client, taskType string, credits int, logger *slog.Logger) *ClaimManager {
	if credits <= 0 {
		credits = defaultCredits
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ClaimManager{
		client:   client,
		taskType: taskType,
		credits:  credits,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(credits)),
		inFlight: make(map[string]*Claim),
	}
}

// Open открывает подписку. Предыдущая подписка, если есть, закрывается.
func (m *ClaimManager) Open(ctx context.Context) error {
	stream, err := m.client.Open(ctx, m.taskType, m.credits)
	if err != nil {
		return fmt.Errorf("open subscription for %q: %w", m.taskType, err)
	}

	m.mu.Lock()
	old := m.stream
	m.stream = stream
	m.healthy = true
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("close previous subscription", "error", err)
		}
	}

	m.logger.Info("subscription opened", "credits", m.credits)
	return nil
}

// Next ждёт свободный credit и следующий task.
//
// Ключ, который уже в работе на текущей подписке и ещё не получил
// сигнала, повторно не выдаётся. После сигнала (например, Fail с
// оставшимися попытками) ключ снова может прийти, даже если credit
// прошлого claim ещё не возвращён. Task, брошенный при потере прошлой подписки, выдаётся заново:
// сигнал старого обработчика в мёртвую подписку не пройдёт.
func (m *ClaimManager) Next(ctx context.Context) (*Claim, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		stream := m.stream
		m.mu.Unlock()

		if stream == nil {
			m.sem.Release(1)
			return nil, ErrNotOpen
		}

		task, err := stream.Next(ctx)
		if err != nil {
			m.sem.Release(1)
			if errors.Is(err, queue.ErrConnection) {
				m.markLost(stream)
			}
			return nil, err
		}

		m.mu.Lock()
		if prev, ok := m.inFlight[task.Key]; ok && prev.stream == stream {
			m.mu.Unlock()
			m.logger.Warn("task already in flight on this subscription, ignoring delivery",
				"task_key", task.Key,
			)
			continue
		}

		if err := task.MarkLocked(); err != nil {
			m.mu.Unlock()
			m.sem.Release(1)
			return nil, fmt.Errorf("lock task %s: %w", task.Key, err)
		}

		claim := &Claim{Task: task, stream: stream, manager: m}
		m.inFlight[task.Key] = claim
		m.held++
		m.mu.Unlock()

		telemetry.TasksClaimed.Inc()
		telemetry.TasksInFlight.Inc()

		return claim, nil
	}
}

// Resolve возвращает credit после завершения (или брошенного) task.
// Повторный вызов для того же Claim ничего не делает.
func (m *ClaimManager) Resolve(c *Claim) {
	m.mu.Lock()
	if c.released {
		m.mu.Unlock()
		return
	}
	c.released = true
	m.held--
	if m.inFlight[c.Task.Key] == c {
		delete(m.inFlight, c.Task.Key)
	}
	m.mu.Unlock()

	m.sem.Release(1)
	telemetry.TasksInFlight.Dec()
}

// Close закрывает подписку. Уже выданные обработчикам tasks
// продолжают работу независимо.
func (m *ClaimManager) Close() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.healthy = false
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Close()
}

// Healthy возвращает true, если подписка открыта и жива.
func (m *ClaimManager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil && m.healthy
}

// InFlight возвращает количество захваченных незавершённых tasks.
func (m *ClaimManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// forget снимает ключ claim с учёта до отправки сигнала.
// Credit остаётся занятым до Resolve.
func (m *ClaimManager) forget(c *Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[c.Task.Key] == c {
		delete(m.inFlight, c.Task.Key)
	}
}

// markLost помечает подписку потерянной.
func (m *ClaimManager) markLost(stream queue.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == stream {
		m.healthy = false
	}
}
