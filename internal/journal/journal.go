// Package journal keeps a local sqlite history of archives pushed by a sync manager.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/dirsync/internal/db"
	"github.com/openmined/dirsync/internal/dirsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS push_journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    root TEXT NOT NULL,
    key TEXT NOT NULL,
    location TEXT NOT NULL,
    size INTEGER NOT NULL,
    sha256 TEXT NOT NULL,
    files INTEGER NOT NULL,
    session TEXT NOT NULL DEFAULT '',
    host TEXT NOT NULL DEFAULT '',
    pushed_at TEXT NOT NULL -- RFC3339
);

CREATE INDEX IF NOT EXISTS idx_push_journal_key ON push_journal(key);
CREATE INDEX IF NOT EXISTS idx_push_journal_root ON push_journal(root);
`

const selectColumns = "id, root, key, location, size, sha256, files, session, host, pushed_at"

var ErrNotOpen = errors.New("journal not open")

type dbPushRecord struct {
	ID       int64  `db:"id"`
	Root     string `db:"root"`
	Key      string `db:"key"`
	Location string `db:"location"`
	Size     int64  `db:"size"`
	SHA256   string `db:"sha256"`
	Files    int    `db:"files"`
	Session  string `db:"session"`
	Host     string `db:"host"`
	PushedAt string `db:"pushed_at"`
}

func (r *dbPushRecord) toRecord() (*dirsync.PushRecord, error) {
	pushedAt, err := time.Parse(time.RFC3339Nano, r.PushedAt)
	if err != nil {
		return nil, fmt.Errorf("parse pushed_at %q: %w", r.PushedAt, err)
	}
	return &dirsync.PushRecord{
		Root:     r.Root,
		Key:      r.Key,
		Location: r.Location,
		Size:     r.Size,
		SHA256:   r.SHA256,
		Files:    r.Files,
		Session:  r.Session,
		Host:     r.Host,
		PushedAt: pushedAt,
	}, nil
}

// Journal is an append-only log of pushes
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

var _ dirsync.PushRecorder = (*Journal)(nil)

func New(dbPath string) *Journal {
	return &Journal{dbPath: dbPath}
}

// Open the journal database, creating it if needed
func (j *Journal) Open() error {
	if j.db != nil {
		return fmt.Errorf("journal already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(j.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("initialize journal schema: %w", err)
	}

	j.db = conn
	slog.Debug("journal open", "path", j.dbPath)
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrNotOpen
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// RecordPush appends a push to the journal
func (j *Journal) RecordPush(ctx context.Context, rec *dirsync.PushRecord) error {
	if j.db == nil {
		return ErrNotOpen
	}
	if rec == nil {
		return fmt.Errorf("cannot record nil push")
	}

	row := dbPushRecord{
		Root:     rec.Root,
		Key:      rec.Key,
		Location: rec.Location,
		Size:     rec.Size,
		SHA256:   rec.SHA256,
		Files:    rec.Files,
		Session:  rec.Session,
		Host:     rec.Host,
		PushedAt: rec.PushedAt.UTC().Format(time.RFC3339Nano),
	}

	query := `INSERT INTO push_journal (root, key, location, size, sha256, files, session, host, pushed_at)
	          VALUES (:root, :key, :location, :size, :sha256, :files, :session, :host, :pushed_at)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("record push of %s: %w", rec.Key, err)
	}
	return nil
}

// Latest returns the most recent push of key, or nil if it was never pushed
func (j *Journal) Latest(ctx context.Context, key string) (*dirsync.PushRecord, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var row dbPushRecord
	err := j.db.GetContext(ctx, &row,
		"SELECT "+selectColumns+" FROM push_journal WHERE key = ? ORDER BY id DESC LIMIT 1", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest push of %s: %w", key, err)
	}
	return row.toRecord()
}

// List returns pushes of root newest first. An empty root lists every root,
// a limit of zero or less lists everything.
func (j *Journal) List(ctx context.Context, root string, limit int) ([]*dirsync.PushRecord, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}

	query := "SELECT " + selectColumns + " FROM push_journal"
	var args []any
	if root != "" {
		query += " WHERE root = ?"
		args = append(args, root)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbPushRecord
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pushes: %w", err)
	}

	records := make([]*dirsync.PushRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			slog.Warn("journal skip corrupt row", "id", row.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the number of recorded pushes
func (j *Journal) Count(ctx context.Context) (int, error) {
	if j.db == nil {
		return 0, ErrNotOpen
	}
	var count int
	if err := j.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM push_journal"); err != nil {
		return 0, fmt.Errorf("count pushes: %w", err)
	}
	return count, nil
}
