package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/dmn-worker/internal/domain"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS task_resolutions (
		task_key    TEXT PRIMARY KEY,
		state       TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ NOT NULL
	)
`

// Resolution — запись о терминальном сигнале по task.
type Resolution struct {
	Key        string
	State      domain.TaskState
	Message    string
	ResolvedAt time.Time
}

// JournalRepo — журнал завершённых tasks в PostgreSQL.
//
// Разделяется всеми экземплярами воркера: повторная доставка task
// другому воркеру тоже будет пропущена.
type JournalRepo struct {
	pool *pgxpool.Pool
}

// NewJournalRepo создаёт новый JournalRepo.
func NewJournalRepo(pool *pgxpool.Pool) *JournalRepo {
	return &JournalRepo{pool: pool}
}

// EnsureSchema создаёт таблицу журнала, если её нет.
func (r *JournalRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create task_resolutions: %w", err)
	}
	return nil
}

// Resolved проверяет, был ли терминальный сигнал по task.
func (r *JournalRepo) Resolved(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_resolutions WHERE task_key = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup resolution: %w", err)
	}
	return exists, nil
}

// Record сохраняет терминальное состояние task.
// Первая запись выигрывает, повторные игнорируются.
func (r *JournalRepo) Record(ctx context.Context, key string, state domain.TaskState, message string) error {
	query := `
		INSERT INTO task_resolutions (task_key, state, message, resolved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_key) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, key, state.String(), message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

// Get возвращает запись журнала по ключу task.
func (r *JournalRepo) Get(ctx context.Context, key string) (*Resolution, error) {
	query := `
		SELECT task_key, state, message, resolved_at
		FROM task_resolutions
		WHERE task_key = $1
	`

	var (
		res   Resolution
		state string
	)
	err := r.pool.QueryRow(ctx, query, key).Scan(&res.Key, &state, &res.Message, &res.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution: %w", err)
	}

	res.State = domain.ParseTaskState(state)
	return &res, nil
}

// Prune удаляет записи старше olderThan. Возвращает количество удалённых.
func (r *JournalRepo) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM task_resolutions WHERE resolved_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("prune resolutions: %w", err)
	}
	return tag.RowsAffected(), nil
}
