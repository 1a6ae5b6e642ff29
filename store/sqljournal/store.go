// Package sqljournal is a core.Journal backed by database/sql.
//
// The queries are written for SQLite and work unchanged on Postgres when the
// store is created with WithDollarPlaceholders.
package sqljournal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Swind/go-task-chain/core"
)

// Schema creates the journal table and its index.
const Schema = `
CREATE TABLE IF NOT EXISTS taskchain_journal (
    id          VARCHAR(64)  PRIMARY KEY,
    name        VARCHAR(255) NOT NULL,
    affinity    VARCHAR(32)  NOT NULL,
    lane        VARCHAR(255) NOT NULL,
    status      VARCHAR(32)  NOT NULL,
    recovered   BOOLEAN      NOT NULL DEFAULT FALSE,
    error_msg   TEXT         NOT NULL DEFAULT '',
    result_json TEXT         NULL,
    started_at  TIMESTAMP    NULL,
    finished_at TIMESTAMP    NOT NULL,
    recorded_at TIMESTAMP    NOT NULL
);
CREATE INDEX IF NOT EXISTS taskchain_journal_finished_at ON taskchain_journal (finished_at);
`

const columns = `id, name, affinity, lane, status, recovered, error_msg, result_json, started_at, finished_at, recorded_at`

// Store is a core.Journal over a *sql.DB. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	dollar bool
	owned  bool
}

var _ core.Journal = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithDollarPlaceholders makes the store emit $1-style placeholders.
func WithDollarPlaceholders() Option {
	return func(s *Store) { s.dollar = true }
}

// New wraps db. The caller owns db and must create the schema, for example
// with Migrate.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a database with driverName, applies the schema and returns a
// store that closes the database on Close.
func Open(ctx context.Context, driverName, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s journal: %w", driverName, err)
	}
	s := New(db, opts...)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the journal table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if s.owned && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Record(ctx context.Context, entry *core.JournalEntry) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if entry.ID == "" {
		return fmt.Errorf("journal entry ID cannot be empty")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	q := `INSERT INTO taskchain_journal (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			affinity = excluded.affinity,
			lane = excluded.lane,
			status = excluded.status,
			recovered = excluded.recovered,
			error_msg = excluded.error_msg,
			result_json = excluded.result_json,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			recorded_at = excluded.recorded_at`
	var result sql.NullString
	if entry.Result != nil {
		result = sql.NullString{String: string(entry.Result), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(q),
		entry.ID,
		entry.Name,
		entry.Affinity,
		entry.Lane,
		string(entry.Status),
		entry.Recovered,
		entry.Error,
		result,
		nullTime(entry.StartedAt),
		entry.FinishedAt.UTC(),
		entry.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", entry.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.JournalEntry, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM taskchain_journal WHERE id = ?`), id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, core.ErrJournalEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return entry, nil
}

// List returns matching entries, most recently finished first.
func (s *Store) List(ctx context.Context, filter core.JournalFilter) ([]*core.JournalEntry, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + columns + ` FROM taskchain_journal`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY finished_at DESC, id ASC")
	switch {
	case filter.Limit > 0:
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	case filter.Offset > 0 && !s.dollar:
		// SQLite only accepts OFFSET after a LIMIT.
		b.WriteString(" LIMIT -1")
	}
	if filter.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var entries []*core.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM taskchain_journal WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM taskchain_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// Prune deletes entries that finished before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM taskchain_journal WHERE finished_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*core.JournalEntry, error) {
	var (
		entry     core.JournalEntry
		status    string
		result    sql.NullString
		startedAt sql.NullTime
	)
	err := row.Scan(
		&entry.ID,
		&entry.Name,
		&entry.Affinity,
		&entry.Lane,
		&status,
		&entry.Recovered,
		&entry.Error,
		&result,
		&startedAt,
		&entry.FinishedAt,
		&entry.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Status = core.JournalStatus(status)
	if result.Valid {
		entry.Result = []byte(result.String)
	}
	if startedAt.Valid {
		entry.StartedAt = startedAt.Time
	}
	return &entry, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// rebind rewrites ? placeholders to $n when the store targets Postgres.
func (s *Store) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
