package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one reload cycle's journal row.
type Entry struct {
	ID       uuid.UUID
	At       time.Time
	Reasons  string
	Files    []string
	Duration time.Duration
	Err      error
}

// Repo owns the journal database.
type Repo struct {
	db   *sql.DB
	path string
}

// OpenRepo opens (or creates) the journal database under dir with WAL mode
// and a single writer connection.
func OpenRepo(dir string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "reload_history.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: %q on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.Exec(CreateDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: init schema: %w", err)
	}
	return &Repo{db: db, path: path}, nil
}

// Close closes the database.
func (r *Repo) Close() error {
	return r.db.Close()
}

// InsertBatch writes entries in one transaction. Returns the rows inserted.
func (r *Repo) InsertBatch(entries []Entry) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO reload_events (
		id, ts_ns, reasons, file_count, files, duration_ns, ok, error
	) VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("eventlog: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		ok := 1
		errText := ""
		if e.Err != nil {
			ok = 0
			errText = e.Err.Error()
		}
		if _, err := stmt.Exec(
			e.ID.String(), e.At.UnixNano(), e.Reasons,
			len(e.Files), strings.Join(e.Files, "\n"),
			e.Duration.Nanoseconds(), ok, errText,
		); err != nil {
			return inserted, fmt.Errorf("eventlog: insert: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("eventlog: commit: %w", err)
	}
	return inserted, nil
}

// Recent returns up to limit entries, newest first.
func (r *Repo) Recent(limit int) ([]Entry, error) {
	rows, err := r.db.Query(`SELECT id, ts_ns, reasons, files, duration_ns, ok, error
		FROM reload_events ORDER BY ts_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id, reasons, files, errText string
			tsNs, durationNs            int64
			ok                          int
		)
		if err := rows.Scan(&id, &tsNs, &reasons, &files, &durationNs, &ok, &errText); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e := Entry{
			At:       time.Unix(0, tsNs),
			Reasons:  reasons,
			Duration: time.Duration(durationNs),
		}
		e.ID, _ = uuid.Parse(id)
		if files != "" {
			e.Files = strings.Split(files, "\n")
		}
		if ok == 0 {
			e.Err = fmt.Errorf("%s", errText)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
