package profile

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

// ErrNotFound профиль с указанным ID отсутствует в хранилище
var ErrNotFound = errors.New("profile not found")

// Store хранилище SIP профилей в PostgreSQL.
//
// Хранилище владеет инвариантом "не более одного основного профиля":
// SetPrimary снимает флаг со всех остальных профилей в одной транзакции.
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

// Connect открывает пул соединений к PostgreSQL и проверяет доступность базы
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const profileColumns = `id, label, username, password, domain, transport, port,
	websocket_url, registrar, outbound_proxy, display_name, voicemail_number,
	provider, auto_register, is_primary, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID, &p.Label, &p.Username, &p.Password, &p.Domain, &p.Transport,
		&p.Port, &p.WebsocketURL, &p.Registrar, &p.OutboundProxy,
		&p.DisplayName, &p.VoicemailNumber, &p.Provider, &p.AutoRegister,
		&p.IsPrimary, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Create валидирует и сохраняет новый профиль. Пустой ID заменяется
// сгенерированным UUID.
func (s *Store) Create(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Provider == "" {
		p.Provider = ProviderCustom
	}
	if err := p.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sip_profiles (`+profileColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.Label, p.Username, p.Password, p.Domain, p.Transport, p.Port,
		p.WebsocketURL, p.Registrar, p.OutboundProxy, p.DisplayName,
		p.VoicemailNumber, p.Provider, p.AutoRegister, p.IsPrimary,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}

	s.log.Info("profile created",
		slog.String("profileID", p.ID),
		slog.String("label", p.Label))
	return nil
}

// Update сохраняет изменения существующего профиля
func (s *Store) Update(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sip_profiles SET
			label=$2, username=$3, password=$4, domain=$5, transport=$6,
			port=$7, websocket_url=$8, registrar=$9, outbound_proxy=$10,
			display_name=$11, voicemail_number=$12, provider=$13,
			auto_register=$14, updated_at=$15
		WHERE id=$1`,
		p.ID, p.Label, p.Username, p.Password, p.Domain, p.Transport, p.Port,
		p.WebsocketURL, p.Registrar, p.OutboundProxy, p.DisplayName,
		p.VoicemailNumber, p.Provider, p.AutoRegister, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет профиль по ID
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sip_profiles WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get возвращает профиль по ID
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM sip_profiles WHERE id=$1`, id)
	return scanProfile(row)
}

// List возвращает все профили, основной профиль первым
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM sip_profiles
		 ORDER BY is_primary DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Primary возвращает основной профиль, либо ErrNotFound если он не назначен
func (s *Store) Primary(ctx context.Context) (*Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM sip_profiles WHERE is_primary LIMIT 1`)
	return scanProfile(row)
}

// SetPrimary делает профиль основным. Флаг снимается со всех остальных
// профилей в той же транзакции, так что основной профиль всегда один.
func (s *Store) SetPrimary(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sip_profiles SET is_primary = FALSE WHERE is_primary`); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE sip_profiles SET is_primary = TRUE, updated_at = NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// Schema DDL таблицы профилей. Применяется при старте сервиса.
const Schema = `
CREATE TABLE IF NOT EXISTS sip_profiles (
	id               TEXT PRIMARY KEY,
	label            TEXT NOT NULL,
	username         TEXT NOT NULL,
	password         TEXT NOT NULL,
	domain           TEXT NOT NULL,
	transport        TEXT NOT NULL,
	port             INT NOT NULL DEFAULT 0,
	websocket_url    TEXT NOT NULL DEFAULT '',
	registrar        TEXT NOT NULL DEFAULT '',
	outbound_proxy   TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	voicemail_number TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL DEFAULT 'custom',
	auto_register    BOOLEAN NOT NULL DEFAULT FALSE,
	is_primary       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sip_profiles_one_primary
	ON sip_profiles (is_primary) WHERE is_primary;
`
