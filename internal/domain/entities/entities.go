// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"fmt"
	"strings"
	"time"
)

// DocumentState is the lifecycle state of a document in the pipeline.
type DocumentState string

const (
	StateReceived   DocumentState = "received"
	StateOCRDone    DocumentState = "ocr_ok"
	StateNormalized DocumentState = "normalized"
	StateClassified DocumentState = "classified"
	StateReview     DocumentState = "review"
	StateIndexed    DocumentState = "indexed"
	StateError      DocumentState = "error"
)

// Terminal reports whether no further pipeline work is expected for the state.
// StateError stays terminal until an operator resubmits the file.
func (s DocumentState) Terminal() bool {
	return s == StateIndexed || s == StateError
}

// Document represents one scanned legal document tracked by the registry.
// Identity is the SHA-256 of the raw bytes: re-submitting identical content
// resolves to the existing row instead of creating a new one.
type Document struct {
	ID             int64
	Filename       string
	Hash           string
	State          DocumentState
	RawPath        string
	OCRPath        string
	OCRJSONPath    string
	NormPath       string
	Pages          int
	Type           string
	Confidence     float64
	RequiresReview bool
	Tags           []string
	Entities       map[string][]string
	Summary        string
	LastError      string
	ReceivedAt     time.Time
	IndexedAt      time.Time
}

// JobState is the lifecycle state of a processing attempt.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
	JobDeadLetter JobState = "dead_letter"
)

// Active reports whether the job still owns its document.
// At most one active job may exist per document.
func (s JobState) Active() bool {
	return s == JobPending || s == JobProcessing
}

// Job represents one processing attempt for a document.
type Job struct {
	ID        int64
	DocID     int64
	Attempts  int
	State     JobState
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Classification is the output of the rule-based classifier.
type Classification struct {
	Type           string
	Confidence     float64
	Tags           []string
	RequiresReview bool
	Entities       map[string][]string
}

// OCRPage is one recognized page of a document.
type OCRPage struct {
	Number   int
	Markdown string
	Width    float64
	Height   float64
}

// OCRResult is the full output of the OCR service for one document.
type OCRResult struct {
	Pages []OCRPage
	Model string
}

// Markdown joins all pages into a single markdown document with
// "## Page N" delimiters, the format the normalizer and indexer expect.
func (r *OCRResult) Markdown(filename string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# OCR Result for %s\n\n", filename)
	for _, p := range r.Pages {
		fmt.Fprintf(&sb, "## Page %d\n\n%s\n\n", p.Number, p.Markdown)
	}
	return sb.String()
}

// SearchResult is one relevance-ranked hit from the full-text index.
type SearchResult struct {
	Document Document
	Score    float64
}

// QueryRequest is a natural-language question, optionally scoped to
// an explicit document subset.
type QueryRequest struct {
	Query  string
	DocIDs []int64
}

// QueryAnswer is the generated answer plus the documents actually used
// as evidence, in the order their context was assembled.
type QueryAnswer struct {
	Answer   string
	Thinking string
	Sources  []int64
}
