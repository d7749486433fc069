// Package eventlog хранит историю вызовов и журнал сигнальных событий
// в PostgreSQL. Recorder подписывается на события клиента и пишет их в
// Store; ядро клиента про хранение ничего не знает.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound запись с указанным ID отсутствует
var ErrNotFound = errors.New("record not found")

// Outcome итог вызова в истории
type Outcome string

const (
	// OutcomeCompleted вызов дошел до активного состояния и завершился
	OutcomeCompleted Outcome = "completed"
	// OutcomeMissed входящий вызов завершился без ответа
	OutcomeMissed Outcome = "missed"
	// OutcomeFailed вызов завершился протокольной ошибкой
	OutcomeFailed Outcome = "failed"
	// OutcomeCanceled исходящий вызов отменен до ответа
	OutcomeCanceled Outcome = "canceled"
)

// CallRecord одна запись истории вызовов
type CallRecord struct {
	ID             string
	ProfileID      string
	Direction      string
	RemoteIdentity string
	Outcome        Outcome
	Cause          string
	StartedAt      time.Time
	EndedAt        time.Time
}

// Duration длительность вызова от начала до завершения
func (r *CallRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SignalingEvent одна строка журнала сигнальных событий
type SignalingEvent struct {
	ID        int64
	ProfileID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Store хранилище истории вызовов и журнала событий
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewStore создает хранилище поверх готового пула соединений
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log}
}

const callColumns = `id, profile_id, direction, remote_identity, outcome,
	cause, started_at, ended_at`

// InsertCall сохраняет завершенную запись истории. Пустой ID заменяется
// сгенерированным UUID.
func (s *Store) InsertCall(ctx context.Context, r *CallRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_history (`+callColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ProfileID, r.Direction, r.RemoteIdentity,
		r.Outcome, r.Cause, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// RecentCalls возвращает последние записи истории, новые первыми
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM call_history
		 ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	defer rows.Close()

	var out []*CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Direction,
			&r.RemoteIdentity, &r.Outcome, &r.Cause,
			&r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetCall возвращает запись истории по ID
func (s *Store) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	var r CallRecord
	err := s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM call_history WHERE id=$1`, id).
		Scan(&r.ID, &r.ProfileID, &r.Direction, &r.RemoteIdentity,
			&r.Outcome, &r.Cause, &r.StartedAt, &r.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ClearCalls удаляет всю историю вызовов
func (s *Store) ClearCalls(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM call_history`); err != nil {
		return fmt.Errorf("clear call history: %w", err)
	}
	return nil
}

// InsertEvent сохраняет строку журнала сигнальных событий
func (s *Store) InsertEvent(ctx context.Context, e *SignalingEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signaling_events (profile_id, kind, detail, created_at)
		VALUES ($1,$2,$3,$4) RETURNING id`,
		e.ProfileID, e.Kind, e.Detail, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert signaling event: %w", err)
	}
	return nil
}

// RecentEvents возвращает последние строки журнала, новые первыми
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*SignalingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, profile_id, kind, detail, created_at
		 FROM signaling_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list signaling events: %w", err)
	}
	defer rows.Close()

	var out []*SignalingEvent
	for rows.Next() {
		var e SignalingEvent
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Schema DDL таблиц истории и журнала. Применяется при старте сервиса.
const Schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id              TEXT PRIMARY KEY,
	profile_id      TEXT NOT NULL,
	direction       TEXT NOT NULL,
	remote_identity TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	cause           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_history_started_at
	ON call_history (started_at DESC);

CREATE TABLE IF NOT EXISTS signaling_events (
	id         BIGSERIAL PRIMARY KEY,
	profile_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
`
