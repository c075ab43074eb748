package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nmslite/agentprov/internal/model"
)

// Postgres stores results in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Postgres{pool: pool, logger: logger.With(slog.String("component", "store"))}, nil
}

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	p.logger.InfoContext(ctx, "Database migrations applied")
	return nil
}

const upsertInstallation = `
INSERT INTO installations (
    id, host, os_type, success, transport_used, installed_version, collector_profile,
    attempts, error_code, error_message, error_category, rolled_back, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    success = EXCLUDED.success,
    transport_used = EXCLUDED.transport_used,
    installed_version = EXCLUDED.installed_version,
    attempts = EXCLUDED.attempts,
    error_code = EXCLUDED.error_code,
    error_message = EXCLUDED.error_message,
    error_category = EXCLUDED.error_category,
    rolled_back = EXCLUDED.rolled_back,
    finished_at = EXCLUDED.finished_at`

const selectInstallation = `
SELECT id, host, os_type, success, transport_used, installed_version, collector_profile,
       attempts, error_code, error_message, error_category, rolled_back, started_at, finished_at
FROM installations`

func (p *Postgres) Save(ctx context.Context, r *model.InstallationResult) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return fmt.Errorf("invalid installation id %q: %w", r.ID, err)
	}
	attempts := r.Attempts
	if attempts == nil {
		attempts = []model.AttemptRecord{}
	}
	raw, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}

	var code, msg, cat *string
	if r.Error != nil {
		code, msg, cat = &r.Error.Code, &r.Error.Message, &r.Error.Category
	}

	_, err = p.pool.Exec(ctx, upsertInstallation,
		id, r.Host, string(r.OS), r.Success, r.TransportUsed, r.InstalledVersion, string(r.Profile),
		raw, code, msg, cat, r.RolledBack, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*model.InstallationResult, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	r, err := scanInstallation(p.pool.QueryRow(ctx, selectInstallation+" WHERE id = $1", uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return r, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]*model.InstallationResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.pool.Query(ctx, selectInstallation+" ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer rows.Close()

	out := make([]*model.InstallationResult, 0)
	for rows.Next() {
		r, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanInstallation(row pgx.Row) (*model.InstallationResult, error) {
	var (
		r              model.InstallationResult
		id             uuid.UUID
		osType         string
		profile        string
		raw            []byte
		code, msg, cat *string
	)
	err := row.Scan(&id, &r.Host, &osType, &r.Success, &r.TransportUsed, &r.InstalledVersion, &profile,
		&raw, &code, &msg, &cat, &r.RolledBack, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.ID = id.String()
	r.OS = model.OSType(osType)
	r.Profile = model.Profile(profile)
	if err := json.Unmarshal(raw, &r.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	if code != nil {
		r.Error = &model.ResultError{Code: *code, Message: deref(msg), Category: deref(cat)}
	}
	return &r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
