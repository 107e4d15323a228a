package report

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	transport  TEXT    NOT NULL,
	mode       TEXT    NOT NULL,
	delivered  INTEGER NOT NULL,
	malformed  INTEGER NOT NULL,
	p50_ns     INTEGER NOT NULL,
	p99_ns     INTEGER NOT NULL,
	max_ns     INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	summary    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_ended_at ON runs(ended_at);
`

// Store keeps run summaries in a sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts s. Saving the same run twice replaces the earlier row.
func (st *Store) Save(ctx context.Context, s *Summary) error {
	blob, err := s.JSON()
	if err != nil {
		return err
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, transport, mode, delivered, malformed, p50_ns, p99_ns, max_ns, started_at, ended_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Transport, s.Mode,
		int64(s.Delivered), int64(s.Malformed),
		s.Latency.P50, s.Latency.P99, s.Latency.Max,
		s.StartedAt.UnixNano(), s.EndedAt.UnixNano(),
		string(blob))
	if err != nil {
		return fmt.Errorf("report: save %s: %w", s.RunID, err)
	}
	return nil
}

// Recent returns up to n summaries, newest first.
func (st *Store) Recent(ctx context.Context, n int) ([]*Summary, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT summary FROM runs ORDER BY ended_at DESC, run_id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("report: query runs: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("report: scan run: %w", err)
		}
		s, err := ParseSummary([]byte(blob))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate runs: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (st *Store) Close() error {
	return st.db.Close()
}
