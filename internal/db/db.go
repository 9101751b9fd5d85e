package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/dirsync/internal/utils"
)

const memoryPath = ":memory:"

// Pragmas applied to every new connection pool
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`

type config struct {
	path         string
	pragmas      string
	maxOpenConns int
}

// SqliteOption configures NewSqliteDB
type SqliteOption func(*config)

// WithPath sets the database file. ":memory:" opens an in-memory database.
func WithPath(path string) SqliteOption {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas
func WithPragmas(pragmas string) SqliteOption {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// NewSqliteDB opens a sqlite database with the driver selected at build time
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	cfg := &config{
		path:    memoryPath,
		pragmas: defaultPragma,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := memoryPath
	if cfg.path != memoryPath {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		// every connection to :memory: is a separate database
		cfg.maxOpenConns = 1
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return db, nil
}
