// Package store keeps the run ledger and the book-scoped proper-noun
// glossary in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"

	"github.com/valpere/epubtran/internal"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		book TEXT NOT NULL,
		stages TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	-- glossary stores proper-noun renderings per book and language pair
	CREATE TABLE IF NOT EXISTS glossary (
		id TEXT PRIMARY KEY,
		book TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		source_term TEXT NOT NULL,
		target_term TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(book, source_lang, target_lang, source_term)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_book ON runs(book, started_at);
	CREATE INDEX IF NOT EXISTS idx_glossary_lookup ON glossary(book, source_lang, target_lang);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new running pipeline execution.
func (s *Store) StartRun(ctx context.Context, book string, stages []string) (internal.Run, error) {
	run := internal.Run{
		ID:        uuid.NewString(),
		Book:      book,
		Stages:    stages,
		Status:    internal.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, book, stages, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Book, strings.Join(stages, ","), run.Status, run.StartedAt)
	if err != nil {
		return internal.Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run done, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, id string, runErr error) error {
	status, msg := internal.RunDone, ""
	if runErr != nil {
		status, msg = internal.RunFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListRuns returns runs newest first, optionally limited to one book.
func (s *Store) ListRuns(ctx context.Context, book string) ([]internal.Run, error) {
	query := `SELECT id, book, stages, status, error, started_at, finished_at FROM runs`
	var args []interface{}
	if book != "" {
		query += ` WHERE book = ?`
		args = append(args, book)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []internal.Run
	for rows.Next() {
		var (
			r        internal.Run
			stages   string
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Book, &stages, &r.Status, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if stages != "" {
			r.Stages = strings.Split(stages, ",")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GlossaryEntry represents a row in the glossary table.
type GlossaryEntry struct {
	ID         string
	Book       string
	SourceLang string
	TargetLang string
	SourceTerm string
	TargetTerm string
	CreatedAt  time.Time
}

// AddGlossaryTerm inserts or replaces a glossary entry.
func (s *Store) AddGlossaryTerm(ctx context.Context, book, sourceLang, targetLang, sourceTerm, targetTerm string) error {
	return addTerm(ctx, s.db, book, sourceLang, targetLang, sourceTerm, targetTerm)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addTerm(ctx context.Context, db execer, book, sourceLang, targetLang, sourceTerm, targetTerm string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO glossary (id, book, source_lang, target_lang, source_term, target_term)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"gl_"+uuid.NewString(), book, sourceLang, targetLang, normalizeText(sourceTerm), normalizeText(targetTerm))
	return err
}

// GetGlossaryTerms returns the glossary of a book for a language pair as a
// source-term → target-term map.
func (s *Store) GetGlossaryTerms(ctx context.Context, book, sourceLang, targetLang string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_term, target_term FROM glossary WHERE book = ? AND source_lang = ? AND target_lang = ?`,
		book, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	terms := make(map[string]string)
	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, err
		}
		terms[src] = tgt
	}
	return terms, rows.Err()
}

// ReplaceGlossary swaps the whole glossary of a book and language pair in
// one transaction.
func (s *Store) ReplaceGlossary(ctx context.Context, book, sourceLang, targetLang string, terms map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM glossary WHERE book = ? AND source_lang = ? AND target_lang = ?`,
		book, sourceLang, targetLang); err != nil {
		return err
	}
	for src, tgt := range terms {
		if strings.TrimSpace(src) == "" {
			continue
		}
		if err := addTerm(ctx, tx, book, sourceLang, targetLang, src, tgt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListGlossaryTerms returns glossary entries, optionally filtered by book and
// language pair (pass empty strings to return everything).
func (s *Store) ListGlossaryTerms(ctx context.Context, book, sourceLang, targetLang string) ([]GlossaryEntry, error) {
	query := `SELECT id, book, source_lang, target_lang, source_term, target_term, created_at FROM glossary`
	var (
		conds []string
		args  []interface{}
	)
	for _, f := range []struct{ col, val string }{
		{"book", book},
		{"source_lang", sourceLang},
		{"target_lang", targetLang},
	} {
		if f.val != "" {
			conds = append(conds, f.col+" = ?")
			args = append(args, f.val)
		}
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY book, source_lang, target_lang, source_term`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		var e GlossaryEntry
		if err := rows.Scan(&e.ID, &e.Book, &e.SourceLang, &e.TargetLang, &e.SourceTerm, &e.TargetTerm, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteGlossaryTerm removes a glossary entry by ID.
func (s *Store) DeleteGlossaryTerm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM glossary WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("glossary entry not found: %s", id)
	}
	return nil
}

// normalizeText trims whitespace and applies Unicode NFC normalization
// for consistent term comparison.
func normalizeText(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}
