// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
// This follows Dependency Inversion Principle (DIP) strictly.
package ports

import (
	"context"
	"errors"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// ErrNotFound is returned when a document or job does not exist.
var ErrNotFound = errors.New("not found")

// DocumentRegistry is the durable record of document identity and lifecycle.
// Every mutation is a single atomic write; the full-text index mirror is
// kept in lockstep by the implementation, never by callers.
type DocumentRegistry interface {
	// Register inserts a new document in state "received", or returns the
	// existing document when the content hash is already known.
	Register(ctx context.Context, filename, rawPath, hash string) (*entities.Document, error)

	GetByHash(ctx context.Context, hash string) (*entities.Document, error)
	GetByID(ctx context.Context, id int64) (*entities.Document, error)
	List(ctx context.Context) ([]entities.Document, error)

	// Delete removes the document row and its index entry. Returns
	// ErrNotFound if no such document exists.
	Delete(ctx context.Context, id int64) error

	// UpdateOCR records OCR artifacts and advances state to ocr_ok.
	// The extracted text feeds the full-text index.
	UpdateOCR(ctx context.Context, id int64, ocrPath, ocrJSONPath string, pages int, text string) error

	// UpdateNormalized records the normalized artifact and advances state.
	UpdateNormalized(ctx context.Context, id int64, normPath string) error

	// UpdateClassification records classifier output and advances state.
	UpdateClassification(ctx context.Context, id int64, c *entities.Classification) error

	// SetState performs a bare state transition (review routing).
	SetState(ctx context.Context, id int64, state entities.DocumentState) error

	// MarkIndexed advances to the terminal indexed state.
	MarkIndexed(ctx context.Context, id int64, summary string) error

	// MarkError records a permanent failure with its last error message.
	MarkError(ctx context.Context, id int64, msg string) error

	// ResetForRetry points a dead-lettered document at a freshly staged
	// copy and returns it to the received state so the pipeline can run
	// again from the start (operator resubmission).
	ResetForRetry(ctx context.Context, id int64, rawPath string) error
}

// SearchIndex queries the full-text mirror of the registry.
type SearchIndex interface {
	// Search returns documents ranked by relevance descending. A malformed
	// query degrades to a substring match instead of erroring.
	Search(ctx context.Context, query string, limit int) ([]entities.SearchResult, error)

	// Rebuild regenerates the index from the registry (bulk imports).
	Rebuild(ctx context.Context) error
}

// JobQueue is the durable at-least-once queue of processing attempts.
type JobQueue interface {
	// Enqueue creates a pending job for the document, or returns the
	// currently active job if one exists (one active job per document).
	Enqueue(ctx context.Context, docID int64) (*entities.Job, error)

	// Claim atomically moves a job from pending to processing. Exactly one
	// caller wins; the rest see false.
	Claim(ctx context.Context, jobID int64) (bool, error)

	// Complete marks a processing job done.
	Complete(ctx context.Context, jobID int64) error

	// Fail records a failed attempt. The job returns to pending until the
	// attempt count reaches maxAttempts, then moves to failed; the return
	// value reports whether the job is now exhausted.
	Fail(ctx context.Context, jobID int64, errMsg string, maxAttempts int) (exhausted bool, err error)

	// DeadLetter moves the document's failed job to its terminal state.
	DeadLetter(ctx context.Context, docID int64, reason string) error

	ActiveJob(ctx context.Context, docID int64) (*entities.Job, error)
}

// OCRService converts document bytes into per-page marked-up text.
// Must be idempotent for the same input.
type OCRService interface {
	Recognize(ctx context.Context, data []byte, filename string) (*entities.OCRResult, error)
}

// LLMService completes a prompt with a language model. Implementations
// classify failures as transient (retryable by the caller) or permanent.
type LLMService interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Classifier scores normalized text against an externally editable rule set.
// The rule set may change between calls (hot-reload); implementations must
// tolerate that without crashing mid-run.
type Classifier interface {
	Classify(ctx context.Context, text string) (*entities.Classification, error)
}

// Normalizer deterministically cleans marked-up OCR text.
type Normalizer interface {
	Clean(text string) string
}

// SectionIndexer builds the hierarchical section tree for a normalized
// document. Asynchronous and retried by the coordinator like any stage.
type SectionIndexer interface {
	Index(ctx context.Context, docID int64, normPath string) (*entities.SectionTree, error)
}

// ContentStore owns the filesystem layout: raw input, processing staging,
// OCR output, normalized text, review queue, dead letter, section indices.
type ContentStore interface {
	// Stabilize waits until the file size is unchanged for a quiet period,
	// bounded by a maximum wait. Fails if the file disappears or never
	// settles.
	Stabilize(ctx context.Context, path string) error

	// HashFile computes the SHA-256 content hash of a file.
	HashFile(path string) (string, error)

	// Stage moves a raw input into the processing area with atomic rename
	// semantics, retrying transient filesystem lock errors.
	Stage(path string) (string, error)

	// WriteOCR persists the markdown and JSON OCR artifacts.
	WriteOCR(docID int64, filename string, res *entities.OCRResult) (mdPath, jsonPath string, err error)

	// WriteNormalized persists cleaned text and returns its path.
	WriteNormalized(docID int64, mdPath, text string) (string, error)

	// CopyToReview places a staged file in the manual review queue.
	CopyToReview(stagedPath string) error

	// MoveToDeadLetter permanently parks a failed input.
	MoveToDeadLetter(path string) (string, error)

	// SaveTree persists a section tree under a deterministic per-document
	// name; LoadTree reads it back, ListTrees enumerates known documents.
	SaveTree(tree *entities.SectionTree) (string, error)
	LoadTree(docID int64) (*entities.SectionTree, error)
	ListTrees() ([]int64, error)

	// ReadText reads a stored text artifact (OCR or normalized output).
	ReadText(path string) (string, error)
}

// EventSink receives pipeline progress notifications, fanned out to
// subscribed clients. Publish must not block the pipeline.
type EventSink interface {
	Publish(event string, docID int64, detail string)
}

// FileWatcher monitors the input directory for new documents.
type FileWatcher interface {
	// Watch starts monitoring and emits the path of each arriving file,
	// including files already present at startup.
	Watch(ctx context.Context, dir string) (<-chan string, error)

	// Stop stops the watcher.
	Stop() error
}
