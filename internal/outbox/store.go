package outbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lumohealth/agentlink/internal/logger"
)

// Store persists write-back drafts in SQLite. Cross-process durability of
// this table is what makes retry-after-crash safe.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the outbox database at dbPath
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS writeback_drafts (
		draft_id TEXT PRIMARY KEY,
		tool_call_id TEXT,
		summary_text TEXT,
		payload TEXT NOT NULL,
		context_text TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_error TEXT,
		payload_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_writeback_drafts_created ON writeback_drafts(created_at);

	CREATE TABLE IF NOT EXISTS last_committed (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		draft_id TEXT NOT NULL,
		summary TEXT,
		committed_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func payloadHash(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Insert adds a draft to the queue. A duplicate draft_id is a no-op; if the
// duplicate carries a different payload that is logged and the first write
// wins (payloads are immutable).
func (s *Store) Insert(d *Draft) error {
	hash := payloadHash(d.Payload)

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO writeback_drafts
		(draft_id, tool_call_id, summary_text, payload, context_text, status, attempts, created_at, last_error, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DraftID, d.ToolCallID, d.SummaryText, string(d.Payload), d.ContextText,
		d.Status, d.Attempts, d.CreatedAt.UTC(), d.LastError, hash)
	if err != nil {
		return fmt.Errorf("failed to insert draft %s: %w", d.DraftID, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		var existing string
		if err := s.db.QueryRow(
			"SELECT payload_hash FROM writeback_drafts WHERE draft_id = ?",
			d.DraftID).Scan(&existing); err == nil && existing != hash {
			logger.Warn("outbox: duplicate draft %s with different payload ignored", d.DraftID)
		}
	}

	return nil
}

// List returns all queued drafts in creation order
func (s *Store) List() ([]*Draft, error) {
	rows, err := s.db.Query(`
		SELECT draft_id, tool_call_id, summary_text, payload, context_text,
		       status, attempts, created_at, last_error
		FROM writeback_drafts ORDER BY created_at, draft_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// Get returns a single draft, or nil if it is no longer queued
func (s *Store) Get(draftID string) (*Draft, error) {
	row := s.db.QueryRow(`
		SELECT draft_id, tool_call_id, summary_text, payload, context_text,
		       status, attempts, created_at, last_error
		FROM writeback_drafts WHERE draft_id = ?`, draftID)

	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var payload string
	var lastError sql.NullString
	if err := row.Scan(&d.DraftID, &d.ToolCallID, &d.SummaryText, &payload,
		&d.ContextText, &d.Status, &d.Attempts, &d.CreatedAt, &lastError); err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	d.LastError = lastError.String
	return &d, nil
}

// UpdateStatus persists the mutable bookkeeping fields of a draft
func (s *Store) UpdateStatus(draftID, status string, attempts int, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE writeback_drafts SET status = ?, attempts = ?, last_error = ?
		WHERE draft_id = ?`, status, attempts, lastError, draftID)
	return err
}

// Delete removes a draft from the queue
func (s *Store) Delete(draftID string) error {
	_, err := s.db.Exec("DELETE FROM writeback_drafts WHERE draft_id = ?", draftID)
	return err
}

// SetLastCommitted records the most recent successful commit
func (s *Store) SetLastCommitted(draftID, summary string, committedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO last_committed (id, draft_id, summary, committed_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET draft_id = excluded.draft_id,
			summary = excluded.summary, committed_at = excluded.committed_at`,
		draftID, summary, committedAt.UTC())
	return err
}

// LastCommitted returns the most recent successful commit, or nil
func (s *Store) LastCommitted() (*CommitRecord, error) {
	var rec CommitRecord
	var summary sql.NullString
	err := s.db.QueryRow(
		"SELECT draft_id, summary, committed_at FROM last_committed WHERE id = 1").
		Scan(&rec.DraftID, &summary, &rec.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Summary = summary.String
	return &rec, nil
}
