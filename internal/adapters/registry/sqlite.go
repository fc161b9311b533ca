// Package registry provides the durable document registry adapter.
// Clean Architecture: Adapter implementing ports.DocumentRegistry,
// ports.JobQueue and ports.SearchIndex on a single SQLite database.
// FTS5 triggers keep the full-text mirror in lockstep with the registry:
// callers never update both stores explicitly.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore is the durable backing for documents, jobs and the FTS mirror.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		filename        TEXT    NOT NULL,
		raw_path        TEXT    NOT NULL,
		hash_sha256     TEXT    UNIQUE NOT NULL,
		state           TEXT    NOT NULL DEFAULT 'received',
		doc_type        TEXT    NOT NULL DEFAULT '',
		confidence      REAL    NOT NULL DEFAULT 0,
		requires_review INTEGER NOT NULL DEFAULT 0,
		pages           INTEGER NOT NULL DEFAULT 0,
		tags            TEXT    NOT NULL DEFAULT '[]',
		entities        TEXT    NOT NULL DEFAULT '{}',
		summary         TEXT    NOT NULL DEFAULT '',
		ocr_text        TEXT    NOT NULL DEFAULT '',
		ocr_path        TEXT    NOT NULL DEFAULT '',
		ocr_json_path   TEXT    NOT NULL DEFAULT '',
		norm_path       TEXT    NOT NULL DEFAULT '',
		last_error      TEXT    NOT NULL DEFAULT '',
		received_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		indexed_at      DATETIME
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		filename,
		doc_type,
		tags,
		summary,
		entities,
		ocr_text,
		content='documents',
		content_rowid='id',
		tokenize='unicode61 remove_diacritics 1'
	);

	CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(rowid, filename, doc_type, tags, summary, entities, ocr_text)
		VALUES (new.id, new.filename, new.doc_type, new.tags, new.summary, new.entities, new.ocr_text);
	END;

	CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, filename, doc_type, tags, summary, entities, ocr_text)
		VALUES ('delete', old.id, old.filename, old.doc_type, old.tags, old.summary, old.entities, old.ocr_text);
	END;

	CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, filename, doc_type, tags, summary, entities, ocr_text)
		VALUES ('delete', old.id, old.filename, old.doc_type, old.tags, old.summary, old.entities, old.ocr_text);
		INSERT INTO documents_fts(rowid, filename, doc_type, tags, summary, entities, ocr_text)
		VALUES (new.id, new.filename, new.doc_type, new.tags, new.summary, new.entities, new.ocr_text);
	END;

	CREATE TABLE IF NOT EXISTS job_queue (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id      INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		attempts    INTEGER NOT NULL DEFAULT 0,
		state       TEXT    NOT NULL DEFAULT 'pending',
		last_error  TEXT    NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_job_queue_state ON job_queue(state);
	CREATE INDEX IF NOT EXISTS idx_job_queue_doc ON job_queue(doc_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ─── DocumentRegistry ────────────────────────────────────────────────────────

const docColumns = `documents.id, documents.filename, documents.raw_path, documents.hash_sha256,
	documents.state, documents.doc_type, documents.confidence, documents.requires_review,
	documents.pages, documents.tags, documents.entities, documents.summary, documents.ocr_path,
	documents.ocr_json_path, documents.norm_path, documents.last_error, documents.received_at,
	COALESCE(documents.indexed_at, '')`

// Register inserts a new document or returns the existing one for the hash.
// The UNIQUE constraint on hash_sha256 makes dedup race-free.
func (s *SQLiteStore) Register(ctx context.Context, filename, rawPath, hash string) (*entities.Document, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (filename, raw_path, hash_sha256, state) VALUES (?, ?, ?, 'received')
		 ON CONFLICT(hash_sha256) DO NOTHING`,
		filename, rawPath, hash)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("registering document: %w", err)
	}
	return s.GetByHash(ctx, hash)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*entities.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE hash_sha256 = ?`, hash)
	return scanDocument(row)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*entities.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]entities.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []entities.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Delete removes the document row; the FTS delete trigger and the job-queue
// foreign key cascade keep the derived state consistent.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateOCR(ctx context.Context, id int64, ocrPath, ocrJSONPath string, pages int, text string) error {
	return s.update(ctx, id,
		`UPDATE documents SET ocr_path=?, ocr_json_path=?, pages=?, ocr_text=?, state='ocr_ok', last_error='' WHERE id=?`,
		ocrPath, ocrJSONPath, pages, text, id)
}

func (s *SQLiteStore) UpdateNormalized(ctx context.Context, id int64, normPath string) error {
	return s.update(ctx, id,
		`UPDATE documents SET norm_path=?, state='normalized' WHERE id=?`, normPath, id)
}

func (s *SQLiteStore) UpdateClassification(ctx context.Context, id int64, c *entities.Classification) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	ents, err := json.Marshal(c.Entities)
	if err != nil {
		return fmt.Errorf("encoding entities: %w", err)
	}
	return s.update(ctx, id,
		`UPDATE documents SET doc_type=?, confidence=?, tags=?, requires_review=?, entities=?, state='classified' WHERE id=?`,
		c.Type, c.Confidence, string(tags), boolToInt(c.RequiresReview), string(ents), id)
}

func (s *SQLiteStore) SetState(ctx context.Context, id int64, state entities.DocumentState) error {
	return s.update(ctx, id, `UPDATE documents SET state=? WHERE id=?`, string(state), id)
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, id int64, summary string) error {
	return s.update(ctx, id,
		`UPDATE documents SET state='indexed', summary=?, indexed_at=datetime('now'), last_error='' WHERE id=?`,
		summary, id)
}

func (s *SQLiteStore) MarkError(ctx context.Context, id int64, msg string) error {
	return s.update(ctx, id,
		`UPDATE documents SET state='error', last_error=? WHERE id=?`, msg, id)
}

func (s *SQLiteStore) ResetForRetry(ctx context.Context, id int64, rawPath string) error {
	return s.update(ctx, id,
		`UPDATE documents SET raw_path=?, state='received', last_error='' WHERE id=?`, rawPath, id)
}

func (s *SQLiteStore) update(ctx context.Context, id int64, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// ─── SearchIndex ─────────────────────────────────────────────────────────────

// Search runs an FTS5 query ranked by BM25. FTS5 treats some inputs as
// syntax (quotes, AND/OR, colons); a malformed query falls back to a
// substring match over filename and type instead of erroring out.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]entities.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	results, err := s.ftsSearch(ctx, query, limit)
	if err != nil {
		// FTS5 reports bad syntax when the query is stepped, so any error
		// here is treated as a malformed query.
		return s.likeSearch(ctx, query, limit)
	}
	return results, nil
}

func (s *SQLiteStore) ftsSearch(ctx context.Context, query string, limit int) ([]entities.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+`, bm25(documents_fts) AS rank
		 FROM documents_fts
		 JOIN documents ON documents.id = documents_fts.rowid
		 WHERE documents_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []entities.SearchResult
	for rows.Next() {
		doc, rank, err := scanSearchRow(rows)
		if err != nil {
			return nil, err
		}
		// bm25() returns lower-is-better; negate so callers get a
		// descending relevance score.
		results = append(results, entities.SearchResult{Document: *doc, Score: -rank})
	}
	return results, rows.Err()
}

func (s *SQLiteStore) likeSearch(ctx context.Context, query string, limit int) ([]entities.SearchResult, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents
		 WHERE filename LIKE ? OR doc_type LIKE ? LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("fallback search: %w", err)
	}
	defer rows.Close()

	var results []entities.SearchResult
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entities.SearchResult{Document: *doc})
	}
	return results, rows.Err()
}

// Rebuild regenerates the FTS index from the content table.
func (s *SQLiteStore) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents_fts(documents_fts) VALUES ('rebuild')`)
	return err
}

// ─── JobQueue ────────────────────────────────────────────────────────────────

// Enqueue creates a pending job unless the document already has an active
// one; the guard runs inside the INSERT so concurrent submitters cannot
// both create a job.
func (s *SQLiteStore) Enqueue(ctx context.Context, docID int64) (*entities.Job, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_queue (doc_id, state)
		 SELECT ?, 'pending'
		 WHERE NOT EXISTS (
			SELECT 1 FROM job_queue WHERE doc_id = ? AND state IN ('pending', 'processing')
		 )`, docID, docID)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	return s.ActiveJob(ctx, docID)
}

// Claim transitions pending -> processing. The conditional UPDATE is the
// atomic claim: exactly one worker observes RowsAffected == 1.
func (s *SQLiteStore) Claim(ctx context.Context, jobID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET state='processing', updated_at=datetime('now')
		 WHERE id = ? AND state = 'pending'`, jobID)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET state='done', updated_at=datetime('now') WHERE id = ?`, jobID)
	return err
}

// Fail increments the attempt count and either requeues the job or, once
// attempts reach maxAttempts, parks it as failed. Single statement so a
// crashed peer can never observe a half-applied transition.
func (s *SQLiteStore) Fail(ctx context.Context, jobID int64, errMsg string, maxAttempts int) (bool, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET
			attempts   = attempts + 1,
			last_error = ?,
			state      = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			updated_at = datetime('now')
		 WHERE id = ?`, errMsg, maxAttempts, jobID)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failing job: %w", err)
	}

	var state string
	if err := s.db.QueryRowContext(ctx,
		`SELECT state FROM job_queue WHERE id = ?`, jobID).Scan(&state); err != nil {
		return false, fmt.Errorf("reading job state: %w", err)
	}
	return state == string(entities.JobFailed), nil
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, docID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET state='dead_letter', last_error=?, updated_at=datetime('now')
		 WHERE doc_id = ? AND state = 'failed'`, reason, docID)
	return err
}

func (s *SQLiteStore) ActiveJob(ctx context.Context, docID int64) (*entities.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, doc_id, attempts, state, last_error, created_at, updated_at
		 FROM job_queue WHERE doc_id = ? AND state IN ('pending', 'processing')
		 ORDER BY id DESC LIMIT 1`, docID)

	var j entities.Job
	var state string
	err := row.Scan(&j.ID, &j.DocID, &j.Attempts, &state, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading active job: %w", err)
	}
	j.State = entities.JobState(state)
	return &j, nil
}

// ─── Row scanning ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*entities.Document, error) {
	doc, _, err := scanDoc(row, false)
	return doc, err
}

func scanSearchRow(row rowScanner) (*entities.Document, float64, error) {
	return scanDoc(row, true)
}

func scanDoc(row rowScanner, withRank bool) (*entities.Document, float64, error) {
	var d entities.Document
	var state, tags, ents, indexedAt string
	var review int
	var rank float64

	dest := []any{
		&d.ID, &d.Filename, &d.RawPath, &d.Hash, &state, &d.Type, &d.Confidence,
		&review, &d.Pages, &tags, &ents, &d.Summary, &d.OCRPath, &d.OCRJSONPath,
		&d.NormPath, &d.LastError, &d.ReceivedAt, &indexedAt,
	}
	if withRank {
		dest = append(dest, &rank)
	}

	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, 0, ports.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scanning document row: %w", err)
	}

	d.State = entities.DocumentState(state)
	d.RequiresReview = review != 0
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			return nil, 0, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if ents != "" {
		if err := json.Unmarshal([]byte(ents), &d.Entities); err != nil {
			return nil, 0, fmt.Errorf("decoding entities: %w", err)
		}
	}
	if indexedAt != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSuffix(indexedAt, "Z")); err == nil {
			d.IndexedAt = t
		}
	}
	return &d, rank, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
