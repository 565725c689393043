// Package warehouse implements the Snowflake capability: single-statement
// SQL execution and a connection/context probe.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/toolkit"
)

const (
	// Name is the tool name reported on results.
	Name = "snowflake"

	// DefaultFetchLimit caps the rows returned by a query.
	DefaultFetchLimit = 100

	contextQuery = "SELECT CURRENT_WAREHOUSE() AS WAREHOUSE, CURRENT_DATABASE() AS DATABASE, CURRENT_SCHEMA() AS SCHEMA, CURRENT_ROLE() AS ROLE, CURRENT_USER() AS USER"

	maxQuerySummary = 200
)

// rowReturning lists the leading keywords of statements that produce a
// result set. Everything else is executed without reading rows.
var rowReturning = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"LIST":     true,
	"LS":       true,
	"EXPLAIN":  true,
	"CALL":     true,
	"VALUES":   true,
}

// Snowflake is the warehouse capability. The connection is opened by
// Connect, or lazily by the first Execute or Validate.
type Snowflake struct {
	cfg    config.SnowflakeSettings
	log    logger.Logger
	driver string

	mu sync.Mutex
	db *sql.DB
}

type Option func(*Snowflake)

// WithDB uses an already opened database handle instead of dialing Snowflake.
func WithDB(db *sql.DB) Option {
	return func(s *Snowflake) { s.db = db }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Snowflake) { s.log = l }
}

// New creates the capability from the snowflake settings section.
func New(cfg config.SnowflakeSettings, opts ...Option) *Snowflake {
	s := &Snowflake{cfg: cfg, log: logger.NewNop(), driver: "snowflake"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Snowflake) Name() string { return Name }

// DSN builds the gosnowflake connection string from the settings.
func (s *Snowflake) DSN() (string, error) {
	return gosnowflake.DSN(&gosnowflake.Config{
		Account:        s.cfg.Account,
		User:           s.cfg.User,
		Password:       s.cfg.Password,
		Role:           s.cfg.Role,
		Warehouse:      s.cfg.Warehouse,
		Database:       s.cfg.Database,
		Schema:         s.cfg.Schema,
		LoginTimeout:   seconds(s.cfg.LoginTimeout),
		RequestTimeout: seconds(s.cfg.NetworkTimeout),
		Application:    "dacli",
	})
}

// Connect opens and pings the connection.
func (s *Snowflake) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connectLocked(ctx)
	return err
}

func (s *Snowflake) connectLocked(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	dsn, err := s.DSN()
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to Snowflake: %w", err)
	}
	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to Snowflake: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Failed to connect to Snowflake: %w", err)
	}
	s.log.Info("connected to snowflake", "account", s.cfg.Account, "warehouse", s.cfg.Warehouse)
	s.db = db
	return db, nil
}

// Disconnect closes the connection if it is open.
func (s *Snowflake) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Snowflake) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

// Execute runs one SQL statement. Arguments: query (required) and
// fetch_limit (default 100).
func (s *Snowflake) Execute(ctx context.Context, args map[string]any) toolkit.Result {
	return toolkit.Timed(Name, func() toolkit.Result {
		query := strings.TrimSpace(toolkit.StringArg(args, "query", ""))
		if query == "" {
			return toolkit.Failed(Name, "query is required")
		}
		limit := toolkit.IntArg(args, "fetch_limit", DefaultFetchLimit)
		if limit <= 0 {
			limit = DefaultFetchLimit
		}

		db, err := s.conn(ctx)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
		}
		if s.cfg.QueryTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, seconds(s.cfg.QueryTimeout))
			defer cancel()
		}

		if !returnsRows(query) {
			return s.exec(ctx, db, query)
		}
		return s.query(ctx, db, query, limit)
	})
}

func (s *Snowflake) exec(ctx context.Context, db *sql.DB, query string) toolkit.Result {
	res, err := db.ExecContext(ctx, query)
	if err != nil {
		s.log.Debug("statement failed", "query", summarize(query), "error", err)
		return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected < 0 {
		affected = 0
	}
	return toolkit.Succeeded(Name, nil).
		WithMetadata("query", summarize(query)).
		WithMetadata("rows_affected", affected)
}

func (s *Snowflake) query(ctx context.Context, db *sql.DB, query string, limit int) toolkit.Result {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		s.log.Debug("query failed", "query", summarize(query), "error", err)
		return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
	}

	results := make([]map[string]any, 0)
	total := 0
	for rows.Next() {
		total++
		if len(results) >= limit {
			continue
		}
		row, err := scanRow(rows, columns)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
	}

	return toolkit.Succeeded(Name, results).
		WithMetadata("query", summarize(query)).
		WithMetadata("rows_returned", len(results)).
		WithMetadata("total_rows", total).
		WithMetadata("columns", columns)
}

// Validate checks the connection and returns the session context.
func (s *Snowflake) Validate(ctx context.Context) toolkit.Result {
	return toolkit.Timed(Name, func() toolkit.Result {
		db, err := s.conn(ctx)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", contextQuery)
		}
		rows, err := db.QueryContext(ctx, contextQuery)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", contextQuery)
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return toolkit.Failed(Name, err.Error())
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return toolkit.Failed(Name, err.Error())
			}
			return toolkit.Failed(Name, "context query returned no rows")
		}
		row, err := scanRow(rows, columns)
		if err != nil {
			return toolkit.Failed(Name, err.Error())
		}
		return toolkit.Succeeded(Name, row).WithMetadata("query", "VALIDATE CONNECTION AND GET CONTEXT")
	})
}

func scanRow(rows *sql.Rows, columns []string) (map[string]any, error) {
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make(map[string]any, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}

func returnsRows(query string) bool {
	fields := strings.Fields(strings.TrimLeft(query, "( \t\r\n"))
	if len(fields) == 0 {
		return false
	}
	kw := strings.ToUpper(strings.TrimRight(fields[0], "(;"))
	return rowReturning[kw]
}

// summarize shortens a statement for result metadata.
func summarize(query string) string {
	r := []rune(query)
	if len(r) > maxQuerySummary {
		r = r[:maxQuerySummary]
	}
	s := strings.Join(strings.Fields(string(r)), " ")
	return strings.ReplaceAll(s, ";", "")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
