package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/use-agent/scrape/models"
)

// SQLite stores records in a SQLite database. Records are keyed by
// (job_id, source_url); a redelivered record replaces the stored one.
type SQLite struct {
	db   *sql.DB
	path string
}

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// EnableWAL turns on write-ahead logging.
	EnableWAL bool
}

// DefaultSQLiteOptions returns the default database options.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{EnableWAL: true}
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string, opts SQLiteOptions) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sink: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("sink: open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sink: enable WAL mode: %w", err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		final_url TEXT,
		depth INTEGER NOT NULL,
		status_code INTEGER,
		ruleset TEXT,
		fields TEXT,
		links TEXT,
		partial INTEGER NOT NULL DEFAULT 0,
		fetched_at DATETIME,
		UNIQUE(job_id, source_url)
	);

	CREATE INDEX IF NOT EXISTS idx_records_job ON records(job_id);
	CREATE INDEX IF NOT EXISTS idx_records_fetched ON records(fetched_at);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Write upserts rec.
func (s *SQLite) Write(ctx context.Context, rec *models.ExtractedRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("sink: marshal fields: %w", err)
	}
	links, err := json.Marshal(rec.DiscoveredLinks)
	if err != nil {
		return fmt.Errorf("sink: marshal links: %w", err)
	}

	const query = `
	INSERT INTO records (job_id, source_url, final_url, depth, status_code, ruleset, fields, links, partial, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id, source_url) DO UPDATE SET
		final_url = excluded.final_url,
		depth = excluded.depth,
		status_code = excluded.status_code,
		ruleset = excluded.ruleset,
		fields = excluded.fields,
		links = excluded.links,
		partial = excluded.partial,
		fetched_at = excluded.fetched_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.JobID, rec.SourceURL, rec.FinalURL, rec.Depth, rec.StatusCode, rec.Ruleset,
		string(fields), string(links), rec.Partial, rec.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("sink: insert record: %w", err)
	}
	return nil
}

// Records returns the stored records of a job ordered by insertion.
func (s *SQLite) Records(ctx context.Context, jobID string) ([]*models.ExtractedRecord, error) {
	const query = `
	SELECT job_id, source_url, final_url, depth, status_code, ruleset, fields, links, partial, fetched_at
	FROM records WHERE job_id = ? ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("sink: query records: %w", err)
	}
	defer rows.Close()

	var out []*models.ExtractedRecord
	for rows.Next() {
		var (
			rec           models.ExtractedRecord
			fields, links string
		)
		if err := rows.Scan(&rec.JobID, &rec.SourceURL, &rec.FinalURL, &rec.Depth, &rec.StatusCode,
			&rec.Ruleset, &fields, &links, &rec.Partial, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("sink: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("sink: decode fields: %w", err)
		}
		if err := json.Unmarshal([]byte(links), &rec.DiscoveredLinks); err != nil {
			return nil, fmt.Errorf("sink: decode links: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
