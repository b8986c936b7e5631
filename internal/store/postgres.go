package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clientbook/internal/db"
	"github.com/sells-group/clientbook/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	tables  Tables
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, tables Tables, poolCfg *PoolConfig) (*PostgresStore, error) {
	tables = tables.WithDefaults()
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, tables: tables, closeFn: pool.Close}, nil
}

// newPostgresWithPool wraps an existing pool; used by tests.
func newPostgresWithPool(pool db.Pool, tables Tables) *PostgresStore {
	return &PostgresStore{pool: pool, tables: tables.WithDefaults()}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS {{clients}} (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name          TEXT NOT NULL,
	phone_number  TEXT NOT NULL CHECK (phone_number <> ''),
	date_of_birth TIMESTAMPTZ NOT NULL,
	birth_month   INTEGER NOT NULL,
	birth_day     INTEGER NOT NULL,
	branch        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{review_entries}} (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name              TEXT NOT NULL,
	phone_number      TEXT NOT NULL,
	invalid_fragments JSONB NOT NULL DEFAULT '[]'::jsonb,
	date_of_birth     TIMESTAMPTZ,
	birth_month       INTEGER NOT NULL DEFAULT 0,
	birth_day         INTEGER NOT NULL DEFAULT 0,
	branch            TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL,
	source            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{branches}} (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{import_jobs}} (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	doc        JSONB NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_{{clients}}_branch ON {{clients}}(branch);
CREATE INDEX IF NOT EXISTS idx_{{review_entries}}_created_at ON {{review_entries}}(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_{{import_jobs}}_status ON {{import_jobs}}(status);
CREATE INDEX IF NOT EXISTS idx_{{import_jobs}}_created_at ON {{import_jobs}}(created_at DESC);
`

func (s *PostgresStore) q(query string) string {
	return expandTables(query, s.tables)
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, s.q(postgresMigration))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- clients --

func (s *PostgresStore) CreateClient(ctx context.Context, c *model.Client) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, s.q(
		`INSERT INTO {{clients}} (id, name, phone_number, date_of_birth, birth_month, birth_day, branch, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		c.ID, c.Name, c.PhoneNumber, c.DateOfBirth, c.BirthMonth, c.BirthDay, c.Branch, now, now,
	)
	return eris.Wrap(err, "postgres: insert client")
}

func (s *PostgresStore) ListClients(ctx context.Context, filter ClientFilter) ([]model.Client, error) {
	query := s.q(`SELECT id, name, phone_number, date_of_birth, birth_month, birth_day, branch, created_at, updated_at
		FROM {{clients}} WHERE true`)
	args := []any{}
	argIdx := 1

	if filter.Branch != "" {
		query += fmt.Sprintf(` AND branch = $%d`, argIdx)
		args = append(args, strings.TrimSpace(filter.Branch))
		argIdx++
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clients")
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.DateOfBirth, &c.BirthMonth, &c.BirthDay,
			&c.Branch, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan client")
		}
		clients = append(clients, c)
	}
	return clients, eris.Wrap(rows.Err(), "postgres: list clients iterate")
}

func (s *PostgresStore) UpdateClientPhone(ctx context.Context, id, phoneNumber string) error {
	tag, err := s.pool.Exec(ctx, s.q(
		`UPDATE {{clients}} SET phone_number = $1, updated_at = $2 WHERE id = $3`),
		phoneNumber, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update client phone %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "client %s", id)
	}
	return nil
}

// -- review queue --

func (s *PostgresStore) CreateReviewEntry(ctx context.Context, e *model.ReviewEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	fragments, err := json.Marshal(nonNil(e.InvalidFragments))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal invalid fragments")
	}

	_, err = s.pool.Exec(ctx, s.q(
		`INSERT INTO {{review_entries}}
		 (id, name, phone_number, invalid_fragments, date_of_birth, birth_month, birth_day, branch, reason, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`),
		e.ID, e.Name, e.PhoneNumber, fragments, e.DateOfBirth, e.BirthMonth, e.BirthDay,
		e.Branch, e.Reason, string(e.Source), now, now,
	)
	return eris.Wrap(err, "postgres: insert review entry")
}

func (s *PostgresStore) ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, s.q(
		`SELECT id, name, phone_number, invalid_fragments, date_of_birth, birth_month, birth_day, branch, reason, source, created_at, updated_at
		 FROM {{review_entries}} ORDER BY created_at DESC LIMIT $1`), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review entries")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var fragments []byte
		var source string
		if err := rows.Scan(&e.ID, &e.Name, &e.PhoneNumber, &fragments, &e.DateOfBirth, &e.BirthMonth, &e.BirthDay,
			&e.Branch, &e.Reason, &source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review entry")
		}
		e.Source = model.ReviewSource(source)
		if err := json.Unmarshal(fragments, &e.InvalidFragments); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal invalid fragments")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list review entries iterate")
}

// -- branches --

func (s *PostgresStore) CreateBranch(ctx context.Context, name string) (*model.Branch, error) {
	b := &model.Branch{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if b.Name == "" {
		return nil, eris.New("postgres: branch name is required")
	}
	_, err := s.pool.Exec(ctx, s.q(
		`INSERT INTO {{branches}} (id, name, created_at) VALUES ($1, $2, $3)`),
		b.ID, b.Name, b.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert branch %q", b.Name)
	}
	return b, nil
}

func (s *PostgresStore) BranchExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, s.q(
		`SELECT EXISTS (SELECT 1 FROM {{branches}} WHERE name = $1)`), strings.TrimSpace(name),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: branch exists")
	}
	return exists, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context) ([]model.Branch, error) {
	rows, err := s.pool.Query(ctx, s.q(
		`SELECT id, name, created_at FROM {{branches}} ORDER BY name ASC`))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list branches")
	}
	defer rows.Close()

	var branches []model.Branch
	for rows.Next() {
		var b model.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan branch")
		}
		branches = append(branches, b)
	}
	return branches, eris.Wrap(rows.Err(), "postgres: list branches iterate")
}

// -- import jobs --

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ImportJob, payload *model.JobPayload) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}
	var payloadJSON []byte
	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal job payload")
		}
	}

	_, err = s.pool.Exec(ctx, s.q(
		`INSERT INTO {{import_jobs}} (id, status, doc, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`),
		job.ID, string(job.Status), doc, payloadJSON, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, s.q(
		`SELECT doc FROM {{import_jobs}} WHERE id = $1`), id,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return decodeJob(doc)
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.ImportJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}
	tag, err := s.pool.Exec(ctx, s.q(
		`UPDATE {{import_jobs}} SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`),
		string(job.Status), doc, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error) {
	query := s.q(`SELECT doc FROM {{import_jobs}} WHERE true`)
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) GetJobPayload(ctx context.Context, id string) (*model.JobPayload, error) {
	var payload *[]byte
	err := s.pool.QueryRow(ctx, s.q(
		`SELECT payload FROM {{import_jobs}} WHERE id = $1`), id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job payload %s", id)
	}
	if payload == nil {
		return nil, nil
	}
	var p model.JobPayload
	if err := json.Unmarshal(*payload, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job payload")
	}
	return &p, nil
}
