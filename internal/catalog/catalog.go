// Package catalog records every ingested activity in a SQLite database:
// where it came from, where its export lives and its headline summary.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/activity"
)

var (
	// ErrNotFound is returned when no entry has the requested ID
	ErrNotFound = errors.New("activity not found")
	// ErrSourceExists is returned when a source path is already catalogued
	ErrSourceExists = errors.New("source already catalogued")
)

// Entry is one catalogued activity
type Entry struct {
	ID           string           `json:"id"`
	SourceFormat string           `json:"source_format"`
	Sources      []string         `json:"sources"`
	ExportPath   string           `json:"export_path,omitempty"`
	ExportFormat string           `json:"export_format,omitempty"`
	Rows         int              `json:"rows"`
	Start        *time.Time       `json:"start,omitempty"`
	Summary      activity.Summary `json:"summary"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewEntry builds an entry for a with a fresh ID
func NewEntry(a *activity.Activity, sources ...string) (*Entry, error) {
	sum, err := a.Summarize()
	if err != nil {
		return nil, fmt.Errorf("failed to summarize activity: %w", err)
	}
	return &Entry{
		ID:           uuid.New().String(),
		SourceFormat: a.Spec().SourceFormat,
		Sources:      sources,
		Rows:         a.Len(),
		Start:        sum.Start,
		Summary:      sum,
	}, nil
}

// ListOptions filters List
type ListOptions struct {
	SourceFormat string
	Limit        int // defaults to 100
	Offset       int
}

// Store is the SQLite-backed catalog
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the catalog database at dbPath
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		source_format TEXT NOT NULL,
		export_path TEXT,
		export_format TEXT,
		rows INTEGER NOT NULL,
		start_ns INTEGER,
		summary TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS activity_sources (
		activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		path TEXT NOT NULL UNIQUE,
		PRIMARY KEY (activity_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_activities_start ON activities(start_ns);
	CREATE INDEX IF NOT EXISTS idx_activities_format ON activities(source_format);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create stores e. A missing ID is generated; CreatedAt is set to now.
// Fails with ErrSourceExists if any source path is already catalogued.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return fmt.Errorf("failed to serialize summary: %w", err)
	}
	var startNS sql.NullInt64
	if e.Start != nil {
		startNS = sql.NullInt64{Int64: e.Start.UnixNano(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO activities (id, source_format, export_path, export_format, rows, start_ns, summary, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceFormat, nullable(e.ExportPath), nullable(e.ExportFormat),
		e.Rows, startNS, string(summary), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create activity %s: %w", e.ID, err)
	}

	for i, path := range e.Sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activity_sources (activity_id, position, path) VALUES (?, ?, ?)`,
			e.ID, i, path,
		); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%s: %w", path, ErrSourceExists)
			}
			return fmt.Errorf("failed to record source %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activity %s: %w", e.ID, err)
	}
	s.logger.Debug().Str("id", e.ID).Strs("sources", e.Sources).Msg("Catalogued activity")
	return nil
}

// Get returns the entry with the given ID
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, source_format, export_path, export_format, rows, start_ns, summary, created_at
	FROM activities WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sources, err := s.sources(ctx, []string{e.ID})
	if err != nil {
		return nil, err
	}
	e.Sources = sources[e.ID]
	return e, nil
}

// List returns entries newest start first; activities without a start
// come last.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := `
	SELECT id, source_format, export_path, export_format, rows, start_ns, summary, created_at
	FROM activities`
	var args []interface{}
	if opts.SourceFormat != "" {
		query += ` WHERE source_format = ?`
		args = append(args, opts.SourceFormat)
	}
	query += ` ORDER BY start_ns IS NULL, start_ns DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	sources, err := s.sources(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		e.Sources = sources[e.ID]
	}
	return entries, nil
}

// HasSource reports whether path is already part of a catalogued activity
func (s *Store) HasSource(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_sources WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up source %s: %w", path, err)
	}
	return n > 0, nil
}

// Count returns the number of catalogued activities
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// Delete removes an entry and its source records
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete activity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) sources(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, path FROM activity_sources WHERE activity_id IN (`+placeholders+`) ORDER BY activity_id, position`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		out[id] = append(out[id], path)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e            Entry
		exportPath   sql.NullString
		exportFormat sql.NullString
		startNS      sql.NullInt64
		summary      string
		createdAt    string
	)
	err := row.Scan(&e.ID, &e.SourceFormat, &exportPath, &exportFormat, &e.Rows, &startNS, &summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity row: %w", err)
	}

	e.ExportPath = exportPath.String
	e.ExportFormat = exportFormat.String
	if startNS.Valid {
		t := time.Unix(0, startNS.Int64).UTC()
		e.Start = &t
	}
	if err := json.Unmarshal([]byte(summary), &e.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary of %s: %w", e.ID, err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
