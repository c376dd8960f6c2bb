// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package knowledge holds the deduplicated, source-attributed knowledge
// collected during a run. Table is the in-memory store shared by concurrent
// conversations; Store persists finished tables to SQLite with FTS5 so
// later runs can retrieve from them.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/curation-engine/pkg/types"
)

const (
	indexDir = "index"
	dbFile   = "knowledge.db"
)

// Store manages the persistent knowledge SQLite database.
type Store struct {
	db           *sql.DB
	knowledgeDir string
	maxResults   int
}

// NewStore opens or creates the database at knowledgeDir/index/knowledge.db
// and creates the schema if it does not exist.
func NewStore(knowledgeDir string, maxResults int) (*Store, error) {
	dbDir := filepath.Join(knowledgeDir, indexDir)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dbPath := filepath.Join(dbDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxResults <= 0 {
		maxResults = 20
	}

	s := &Store{
		db:           db,
		knowledgeDir: knowledgeDir,
		maxResults:   maxResults,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(id),
			text TEXT NOT NULL,
			title TEXT,
			sources TEXT NOT NULL,
			UNIQUE (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_run_id ON entries(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	// FTS5 virtual table with triggers for sync.
	var ftsExists int
	if err := s.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='entries_fts'`,
	).Scan(&ftsExists); err != nil {
		return fmt.Errorf("checking FTS table: %w", err)
	}

	if ftsExists == 0 {
		ftsStatements := []string{
			`CREATE VIRTUAL TABLE entries_fts USING fts5(text, content=entries, content_rowid=rowid)`,
			`CREATE TRIGGER entries_ai AFTER INSERT ON entries BEGIN
				INSERT INTO entries_fts(rowid, text) VALUES (new.rowid, new.text);
			END`,
			`CREATE TRIGGER entries_ad AFTER DELETE ON entries BEGIN
				INSERT INTO entries_fts(entries_fts, rowid, text) VALUES('delete', old.rowid, old.text);
			END`,
			`CREATE TRIGGER entries_au AFTER UPDATE ON entries BEGIN
				INSERT INTO entries_fts(entries_fts, rowid, text) VALUES('delete', old.rowid, old.text);
				INSERT INTO entries_fts(rowid, text) VALUES (new.rowid, new.text);
			END`,
		}
		for _, stmt := range ftsStatements {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating FTS infrastructure: %w", err)
			}
		}
	}

	return nil
}

// SaveSummary holds counts from one Save call.
type SaveSummary struct {
	Saved   int
	Updated int
	Failed  int
}

// Total returns the number of entries processed.
func (s SaveSummary) Total() int {
	return s.Saved + s.Updated + s.Failed
}

// Save writes the entries of one run. Entries already saved for the run
// are replaced, so saving a grown table again is safe.
func (s *Store) Save(ctx context.Context, runID, topic string, entries []types.KnowledgeEntry, w io.Writer) (SaveSummary, error) {
	var summary SaveSummary

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, topic, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET topic=excluded.topic`,
		runID, topic, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return summary, fmt.Errorf("upserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (id, run_id, text, title, sources) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, id) DO UPDATE SET
			text=excluded.text, title=excluded.title, sources=excluded.sources`)
	if err != nil {
		return summary, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM entries WHERE run_id = ? AND id = ?`, runID, e.ID,
		).Scan(&exists); err != nil {
			return summary, fmt.Errorf("checking entry %s: %w", e.ID, err)
		}

		sourcesJSON, err := json.Marshal(e.Sources)
		if err != nil {
			fmt.Fprintf(w, "failed  %s: %v\n", e.ID, err)
			summary.Failed++
			continue
		}
		title := ""
		if src, ok := e.PrimarySource(); ok {
			title = src.Title
		}
		if _, err := stmt.ExecContext(ctx, e.ID, runID, e.Text, title, string(sourcesJSON)); err != nil {
			fmt.Fprintf(w, "failed  %s: %v\n", e.ID, err)
			summary.Failed++
			continue
		}
		if exists > 0 {
			summary.Updated++
		} else {
			summary.Saved++
		}
	}

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("committing entries: %w", err)
	}

	fmt.Fprintf(w, "saved: %d, updated: %d, failed: %d\n", summary.Saved, summary.Updated, summary.Failed)
	return summary, nil
}

// Load returns the saved entries of runID in insertion order.
func (s *Store) Load(ctx context.Context, runID string) ([]types.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, sources FROM entries WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}
	defer rows.Close()

	var out []types.KnowledgeEntry
	for rows.Next() {
		var (
			e           types.KnowledgeEntry
			sourcesJSON string
		)
		if err := rows.Scan(&e.ID, &e.Text, &sourcesJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &e.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run describes one saved run.
type Run struct {
	ID        string `json:"id" yaml:"id"`
	Topic     string `json:"topic" yaml:"topic"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
	Entries   int    `json:"entries" yaml:"entries"`
}

// Runs lists saved runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.topic, r.created_at, count(e.id)
		 FROM runs r LEFT JOIN entries e ON e.run_id = r.id
		 GROUP BY r.id ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Topic, &r.CreatedAt, &r.Entries); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
