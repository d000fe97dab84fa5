package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default configuration values.
const (
	DefaultSchedule  = "@hourly"
	DefaultRetention = 7 * 24 * time.Hour
)

// Store — хранилище, из которого удаляются устаревшие записи журнала.
type Store interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pruner по расписанию удаляет записи журнала завершённых tasks
// старше Retention.
//
// Повторная доставка task, завершённого раньше Retention, уже не
// будет распознана как дубль: Retention должен быть больше lock
// timeout очереди.
type Pruner struct {
	store     Store
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
}

// Config — конфигурация Pruner.
type Config struct {
	Store     Store
	Schedule  string        // cron-выражение (default: @hourly)
	Retention time.Duration // default: 168h
	Logger    *slog.Logger
}

// New создаёт Pruner. Возвращает ошибку для невалидного расписания.
func New(cfg Config) (*Pruner, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}

	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pruner{
		store:     cfg.Store,
		schedule:  schedule,
		retention: retention,
		logger:    logger.With("component", "journal-pruner"),
	}, nil
}

// NextDue возвращает время следующего запуска после from.
func (p *Pruner) NextDue(from time.Time) time.Time {
	return nextDue(p.schedule, from)
}

// Tick выполняет одну очистку.
func (p *Pruner) Tick(ctx context.Context) (int64, error) {
	removed, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}

	p.logger.Info("journal pruned", "removed", removed, "retention", p.retention)
	return removed, nil
}

// Run выполняет Tick по расписанию до отмены ctx.
// Ошибка одного запуска не останавливает цикл.
func (p *Pruner) Run(ctx context.Context) {
	for {
		due := p.NextDue(time.Now())
		p.logger.Debug("next journal prune", "at", due)

		timer := time.NewTimer(time.Until(due))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := p.Tick(ctx); err != nil {
			p.logger.Error("journal prune failed", "error", err)
		}
	}
}
