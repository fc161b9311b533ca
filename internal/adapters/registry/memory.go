// Package registry - memory.go is an in-memory implementation of the same
// ports, used in tests and for ephemeral runs where persistence is not
// wanted. Open-Closed: swaps with SQLiteStore without changing usecases.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
)

// MemoryStore keeps documents and jobs in process memory. The search side
// scores by naive term frequency rather than BM25; good enough for tests
// and single-shot CLI runs.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	docs   map[int64]*entities.Document
	byHash map[string]int64
	texts  map[int64]string
	jobs   map[int64]*entities.Job
	jobSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[int64]*entities.Document),
		byHash: make(map[string]int64),
		texts:  make(map[int64]string),
		jobs:   make(map[int64]*entities.Job),
	}
}

// ─── DocumentRegistry ────────────────────────────────────────────────────────

func (s *MemoryStore) Register(ctx context.Context, filename, rawPath, hash string) (*entities.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[hash]; ok {
		return copyDoc(s.docs[id]), nil
	}
	s.nextID++
	doc := &entities.Document{
		ID:         s.nextID,
		Filename:   filename,
		RawPath:    rawPath,
		Hash:       hash,
		State:      entities.StateReceived,
		ReceivedAt: time.Now(),
	}
	s.docs[doc.ID] = doc
	s.byHash[hash] = doc.ID
	return copyDoc(doc), nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*entities.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return copyDoc(s.docs[id]), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*entities.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]entities.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entities.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, *copyDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ports.ErrNotFound
	}
	delete(s.byHash, doc.Hash)
	delete(s.docs, id)
	delete(s.texts, id)
	for jid, j := range s.jobs {
		if j.DocID == id {
			delete(s.jobs, jid)
		}
	}
	return nil
}

func (s *MemoryStore) UpdateOCR(ctx context.Context, id int64, ocrPath, ocrJSONPath string, pages int, text string) error {
	return s.mutate(id, func(d *entities.Document) {
		d.OCRPath = ocrPath
		d.OCRJSONPath = ocrJSONPath
		d.Pages = pages
		d.State = entities.StateOCRDone
		d.LastError = ""
		s.texts[id] = text
	})
}

func (s *MemoryStore) UpdateNormalized(ctx context.Context, id int64, normPath string) error {
	return s.mutate(id, func(d *entities.Document) {
		d.NormPath = normPath
		d.State = entities.StateNormalized
	})
}

func (s *MemoryStore) UpdateClassification(ctx context.Context, id int64, c *entities.Classification) error {
	return s.mutate(id, func(d *entities.Document) {
		d.Type = c.Type
		d.Confidence = c.Confidence
		d.Tags = append([]string(nil), c.Tags...)
		d.RequiresReview = c.RequiresReview
		d.Entities = c.Entities
		d.State = entities.StateClassified
	})
}

func (s *MemoryStore) SetState(ctx context.Context, id int64, state entities.DocumentState) error {
	return s.mutate(id, func(d *entities.Document) { d.State = state })
}

func (s *MemoryStore) MarkIndexed(ctx context.Context, id int64, summary string) error {
	return s.mutate(id, func(d *entities.Document) {
		d.State = entities.StateIndexed
		d.Summary = summary
		d.IndexedAt = time.Now()
		d.LastError = ""
	})
}

func (s *MemoryStore) MarkError(ctx context.Context, id int64, msg string) error {
	return s.mutate(id, func(d *entities.Document) {
		d.State = entities.StateError
		d.LastError = msg
	})
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, id int64, rawPath string) error {
	return s.mutate(id, func(d *entities.Document) {
		d.RawPath = rawPath
		d.State = entities.StateReceived
		d.LastError = ""
	})
}

func (s *MemoryStore) mutate(id int64, fn func(*entities.Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ports.ErrNotFound
	}
	fn(doc)
	return nil
}

// ─── SearchIndex ─────────────────────────────────────────────────────────────

func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]entities.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}

	terms := strings.Fields(strings.ToLower(query))
	var results []entities.SearchResult
	for id, d := range s.docs {
		haystack := strings.ToLower(d.Filename + " " + d.Type + " " + d.Summary + " " +
			strings.Join(d.Tags, " ") + " " + s.texts[id])
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(haystack, term))
		}
		if score > 0 {
			results = append(results, entities.SearchResult{Document: *copyDoc(d), Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Rebuild(ctx context.Context) error { return nil }

// ─── JobQueue ────────────────────────────────────────────────────────────────

func (s *MemoryStore) Enqueue(ctx context.Context, docID int64) (*entities.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.activeLocked(docID); j != nil {
		return copyJob(j), nil
	}
	s.jobSeq++
	j := &entities.Job{
		ID:        s.jobSeq,
		DocID:     docID,
		State:     entities.JobPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.jobs[j.ID] = j
	return copyJob(j), nil
}

func (s *MemoryStore) Claim(ctx context.Context, jobID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != entities.JobPending {
		return false, nil
	}
	j.State = entities.JobProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.State = entities.JobDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, jobID int64, errMsg string, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ports.ErrNotFound
	}
	j.Attempts++
	j.LastError = errMsg
	j.UpdatedAt = time.Now()
	if j.Attempts >= maxAttempts {
		j.State = entities.JobFailed
		return true, nil
	}
	j.State = entities.JobPending
	return false, nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, docID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DocID == docID && j.State == entities.JobFailed {
			j.State = entities.JobDeadLetter
			j.LastError = reason
			j.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemoryStore) ActiveJob(ctx context.Context, docID int64) (*entities.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j := s.activeLocked(docID); j != nil {
		return copyJob(j), nil
	}
	return nil, ports.ErrNotFound
}

func (s *MemoryStore) activeLocked(docID int64) *entities.Job {
	var latest *entities.Job
	for _, j := range s.jobs {
		if j.DocID == docID && j.State.Active() {
			if latest == nil || j.ID > latest.ID {
				latest = j
			}
		}
	}
	return latest
}

func copyDoc(d *entities.Document) *entities.Document {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	if d.Entities != nil {
		c.Entities = make(map[string][]string, len(d.Entities))
		for k, v := range d.Entities {
			c.Entities[k] = append([]string(nil), v...)
		}
	}
	return &c
}

func copyJob(j *entities.Job) *entities.Job {
	c := *j
	return &c
}
