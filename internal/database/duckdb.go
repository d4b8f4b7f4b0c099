// Package database runs read-only SQL over exported activities with an
// embedded DuckDB engine.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// ActivitiesView is the view queries see the exports through
const ActivitiesView = "activities"

// ErrReadOnly is returned for statements other than SELECT or WITH queries
var ErrReadOnly = errors.New("only a single SELECT statement is allowed")

// DuckDB manages the engine. *sql.DB pools connections and all of them
// share one in-memory database, so views are visible to every query.
type DuckDB struct {
	db     *sql.DB
	logger zerolog.Logger
	config *Config
}

// Config holds DuckDB configuration
type Config struct {
	MaxConnections int
	MemoryLimit    string
	ThreadCount    int
	QueryTimeout   time.Duration
	MaxRows        int // result rows returned by QueryExports, defaults to 10000

	// Object store credentials, only needed when exports live on S3 or Azure
	S3    *S3Access
	Azure *AzureAccess
}

// S3Access configures the httpfs extension
type S3Access struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// AzureAccess configures the azure extension
type AzureAccess struct {
	ConnectionString string
	AccountName      string
}

// QueryResult is a fully read result set
type QueryResult struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated,omitempty"`
	Elapsed   time.Duration   `json:"elapsed_ns"`
}

// New creates a new in-memory DuckDB instance
func New(cfg *Config, logger zerolog.Logger) (*DuckDB, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10000
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(max(1, cfg.MaxConnections/2))
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	if err := configureDatabase(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	logger = logger.With().Str("component", "duckdb").Logger()
	logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Str("memory_limit", cfg.MemoryLimit).
		Int("thread_count", cfg.ThreadCount).
		Bool("s3", cfg.S3 != nil).
		Bool("azure", cfg.Azure != nil).
		Msg("DuckDB initialized")

	return &DuckDB{db: db, logger: logger, config: cfg}, nil
}

// configureDatabase applies settings that can only be set after connecting
func configureDatabase(db *sql.DB, cfg *Config) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.ThreadCount > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", cfg.ThreadCount)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}

	if s3 := cfg.S3; s3 != nil {
		stmts := []string{"INSTALL httpfs", "LOAD httpfs"}
		parts := []string{"TYPE S3"}
		if s3.AccessKey != "" {
			parts = append(parts,
				fmt.Sprintf("KEY_ID '%s'", escapeSQLString(s3.AccessKey)),
				fmt.Sprintf("SECRET '%s'", escapeSQLString(s3.SecretKey)))
		} else {
			parts = append(parts, "PROVIDER CREDENTIAL_CHAIN")
		}
		if s3.Region != "" {
			parts = append(parts, fmt.Sprintf("REGION '%s'", escapeSQLString(s3.Region)))
		}
		if s3.Endpoint != "" {
			parts = append(parts,
				fmt.Sprintf("ENDPOINT '%s'", escapeSQLString(s3.Endpoint)),
				fmt.Sprintf("USE_SSL %t", s3.UseSSL))
		}
		if s3.PathStyle {
			parts = append(parts, "URL_STYLE 'path'")
		}
		stmts = append(stmts, "CREATE OR REPLACE SECRET runframe_s3 ("+strings.Join(parts, ", ")+")")
		if err := execAll(db, stmts); err != nil {
			return fmt.Errorf("failed to configure s3 access: %w", err)
		}
	}

	if az := cfg.Azure; az != nil {
		secret := fmt.Sprintf("CREATE OR REPLACE SECRET runframe_azure (TYPE AZURE, PROVIDER CREDENTIAL_CHAIN, ACCOUNT_NAME '%s')",
			escapeSQLString(az.AccountName))
		if az.ConnectionString != "" {
			secret = fmt.Sprintf("CREATE OR REPLACE SECRET runframe_azure (TYPE AZURE, CONNECTION_STRING '%s')",
				escapeSQLString(az.ConnectionString))
		}
		if err := execAll(db, []string{"INSTALL azure", "LOAD azure", secret}); err != nil {
			return fmt.Errorf("failed to configure azure access: %w", err)
		}
	}
	return nil
}

func execAll(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Query executes a query and returns rows
func (d *DuckDB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error().Err(err).Str("query", query).Dur("elapsed", elapsed).Msg("Query failed")
		return nil, fmt.Errorf("query failed: %w", err)
	}
	d.logger.Debug().Str("query", query).Dur("elapsed", elapsed).Msg("Query executed")
	return rows, nil
}

// Exec executes a statement without returning rows
func (d *DuckDB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error().Err(err).Str("query", query).Dur("elapsed", elapsed).Msg("Exec failed")
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	d.logger.Debug().Str("query", query).Dur("elapsed", elapsed).Msg("Exec completed")
	return result, nil
}

// RefreshView points the activities view at the Parquet files matching
// glob. New files are picked up on the next query.
func (d *DuckDB) RefreshView(ctx context.Context, glob string) error {
	stmt := fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s', union_by_name = true, filename = true)",
		ActivitiesView, escapeSQLString(glob))
	_, err := d.Exec(ctx, stmt)
	return err
}

// QueryExports refreshes the activities view over glob and runs the
// read-only statement query against it.
func (d *DuckDB) QueryExports(ctx context.Context, glob, query string) (*QueryResult, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}
	if d.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := d.RefreshView(ctx, glob); err != nil {
		return nil, err
	}
	rows, err := d.Query(ctx, strings.TrimRight(strings.TrimSpace(query), ";"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	res := &QueryResult{Columns: cols, Rows: [][]interface{}{}}
	for rows.Next() {
		if len(res.Rows) >= d.config.MaxRows {
			res.Truncated = true
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	res.RowCount = len(res.Rows)
	res.Elapsed = time.Since(start)
	return res, nil
}

// ValidateReadOnly accepts a single SELECT or WITH statement. A trailing
// semicolon is allowed.
func ValidateReadOnly(query string) error {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if q == "" {
		return ErrReadOnly
	}
	first := strings.ToLower(strings.Fields(q)[0])
	if first != "select" && first != "with" {
		return ErrReadOnly
	}
	if strings.Contains(q, ";") {
		return ErrReadOnly
	}
	return nil
}

// Ping checks the engine is usable
func (d *DuckDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.logger.Info().Msg("DuckDB closed")
	return nil
}

// Stats returns connection pool statistics
func (d *DuckDB) Stats() sql.DBStats {
	return d.db.Stats()
}

// escapeSQLString escapes single quotes for use inside a SQL string literal
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
