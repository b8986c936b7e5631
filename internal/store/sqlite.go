package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/clientbook/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	tables Tables
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, tables Tables) (*SQLiteStore, error) {
	tables = tables.WithDefaults()
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, tables: tables}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS {{clients}} (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	phone_number  TEXT NOT NULL,
	date_of_birth DATETIME NOT NULL,
	birth_month   INTEGER NOT NULL,
	birth_day     INTEGER NOT NULL,
	branch        TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS {{review_entries}} (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	phone_number      TEXT NOT NULL,
	invalid_fragments TEXT NOT NULL DEFAULT '[]',
	date_of_birth     DATETIME,
	birth_month       INTEGER NOT NULL DEFAULT 0,
	birth_day         INTEGER NOT NULL DEFAULT 0,
	branch            TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL,
	source            TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS {{branches}} (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS {{import_jobs}} (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	doc        TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_{{clients}}_branch ON {{clients}}(branch);
CREATE INDEX IF NOT EXISTS idx_{{review_entries}}_created_at ON {{review_entries}}(created_at);
CREATE INDEX IF NOT EXISTS idx_{{import_jobs}}_status ON {{import_jobs}}(status);
`

// expandTables substitutes {{collection}} placeholders with configured
// table names. Names are validated identifiers.
func expandTables(query string, t Tables) string {
	return strings.NewReplacer(
		"{{clients}}", t.Clients,
		"{{review_entries}}", t.ReviewEntries,
		"{{import_jobs}}", t.ImportJobs,
		"{{branches}}", t.Branches,
	).Replace(query)
}

func (s *SQLiteStore) q(query string) string {
	return expandTables(query, s.tables)
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(sqliteMigration))
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// -- clients --

func (s *SQLiteStore) CreateClient(ctx context.Context, c *model.Client) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO {{clients}} (id, name, phone_number, date_of_birth, birth_month, birth_day, branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.PhoneNumber, c.DateOfBirth.UTC(), c.BirthMonth, c.BirthDay, c.Branch, now, now,
	)
	return eris.Wrap(err, "sqlite: insert client")
}

func (s *SQLiteStore) ListClients(ctx context.Context, filter ClientFilter) ([]model.Client, error) {
	query := s.q(`SELECT id, name, phone_number, date_of_birth, birth_month, birth_day, branch, created_at, updated_at
		FROM {{clients}} WHERE 1=1`)
	var args []any

	if filter.Branch != "" {
		query += ` AND branch = ?`
		args = append(args, strings.TrimSpace(filter.Branch))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clients")
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.DateOfBirth, &c.BirthMonth, &c.BirthDay,
			&c.Branch, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan client")
		}
		clients = append(clients, c)
	}
	return clients, eris.Wrap(rows.Err(), "sqlite: list clients iterate")
}

func (s *SQLiteStore) UpdateClientPhone(ctx context.Context, id, phoneNumber string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE {{clients}} SET phone_number = ?, updated_at = ? WHERE id = ?`),
		phoneNumber, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update client phone %s", id)
	}
	return checkRowsAffected(res, "client", id)
}

// -- review queue --

func (s *SQLiteStore) CreateReviewEntry(ctx context.Context, e *model.ReviewEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	fragments, err := json.Marshal(nonNil(e.InvalidFragments))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal invalid fragments")
	}

	var dob any
	if e.DateOfBirth != nil {
		dob = e.DateOfBirth.UTC()
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO {{review_entries}}
		 (id, name, phone_number, invalid_fragments, date_of_birth, birth_month, birth_day, branch, reason, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Name, e.PhoneNumber, string(fragments), dob, e.BirthMonth, e.BirthDay,
		e.Branch, e.Reason, string(e.Source), now, now,
	)
	return eris.Wrap(err, "sqlite: insert review entry")
}

func (s *SQLiteStore) ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, phone_number, invalid_fragments, date_of_birth, birth_month, birth_day, branch, reason, source, created_at, updated_at
		 FROM {{review_entries}} ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review entries")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var fragments string
		var dob sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &e.PhoneNumber, &fragments, &dob, &e.BirthMonth, &e.BirthDay,
			&e.Branch, &e.Reason, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review entry")
		}
		if err := json.Unmarshal([]byte(fragments), &e.InvalidFragments); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal invalid fragments")
		}
		if dob.Valid {
			t := dob.Time
			e.DateOfBirth = &t
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list review entries iterate")
}

// -- branches --

func (s *SQLiteStore) CreateBranch(ctx context.Context, name string) (*model.Branch, error) {
	b := &model.Branch{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if b.Name == "" {
		return nil, eris.New("sqlite: branch name is required")
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO {{branches}} (id, name, created_at) VALUES (?, ?, ?)`),
		b.ID, b.Name, b.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert branch %q", b.Name)
	}
	return b, nil
}

func (s *SQLiteStore) BranchExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM {{branches}} WHERE name = ?`), strings.TrimSpace(name),
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: branch exists")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListBranches(ctx context.Context) ([]model.Branch, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, created_at FROM {{branches}} ORDER BY name ASC`))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list branches")
	}
	defer rows.Close()

	var branches []model.Branch
	for rows.Next() {
		var b model.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan branch")
		}
		branches = append(branches, b)
	}
	return branches, eris.Wrap(rows.Err(), "sqlite: list branches iterate")
}

// -- import jobs --

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ImportJob, payload *model.JobPayload) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}
	var payloadJSON any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job payload")
		}
		payloadJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO {{import_jobs}} (id, status, doc, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		job.ID, string(job.Status), string(doc), payloadJSON, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT doc FROM {{import_jobs}} WHERE id = ?`), id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return decodeJob([]byte(doc))
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.ImportJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE {{import_jobs}} SET status = ?, doc = ?, updated_at = ? WHERE id = ?`),
		string(job.Status), string(doc), job.UpdatedAt.UTC(), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error) {
	query := s.q(`SELECT doc FROM {{import_jobs}} WHERE 1=1`)
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j, err := decodeJob([]byte(doc))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) GetJobPayload(ctx context.Context, id string) (*model.JobPayload, error) {
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT payload FROM {{import_jobs}} WHERE id = ?`), id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job payload %s", id)
	}
	if !payload.Valid {
		return nil, nil
	}
	var p model.JobPayload
	if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job payload")
	}
	return &p, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func decodeJob(doc []byte) (*model.ImportJob, error) {
	var j model.ImportJob
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("unmarshal job document (%d bytes)", len(doc)))
	}
	return &j, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
