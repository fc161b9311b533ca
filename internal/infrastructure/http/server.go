// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
	"github.com/gomaslegal/legalengine/internal/domain/usecases"
)

const maxUploadBytes = 100 << 20

// Server exposes the pipeline and retrieval API.
type Server struct {
	ingest   *usecases.IngestUseCase
	query    *usecases.QueryUseCase
	registry ports.DocumentRegistry
	index    ports.SearchIndex
	hub      *EventHub
	inputDir string
	token    string // empty disables auth
	addr     string
	log      *slog.Logger
}

// NewServer creates the HTTP server.
func NewServer(
	ingest *usecases.IngestUseCase,
	query *usecases.QueryUseCase,
	registry ports.DocumentRegistry,
	index ports.SearchIndex,
	hub *EventHub,
	inputDir, token, addr string,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ingest:   ingest,
		query:    query,
		registry: registry,
		index:    index,
		hub:      hub,
		inputDir: inputDir,
		token:    token,
		addr:     addr,
		log:      log,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("POST /api/documents", s.handleUpload)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("GET /api/documents/{id}/entities", s.handleEntities)
	mux.HandleFunc("POST /api/documents/{id}/approve", s.handleApprove)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/index/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return corsMiddleware(s.loggingMiddleware(s.authMiddleware(mux)))
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second, // SSE clients hold connections open
	}

	s.log.Info("server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]documentJSON, len(docs))
	for i := range docs {
		out[i] = toDocumentJSON(&docs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// handleUpload accepts a multipart file, drops it in the input directory
// and processes it in the background. The watcher path and the API path
// converge on the same dedup logic, so double submission is harmless.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing file field"))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." {
		writeError(w, http.StatusBadRequest, errors.New("invalid filename"))
		return
	}
	dst := filepath.Join(s.inputDir, name)
	out, err := os.Create(dst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out.Close()

	go func() {
		if err := s.ingest.ProcessFile(context.Background(), dst); err != nil {
			s.log.Error("upload processing failed", "file", dst, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"filename": name, "status": "accepted"})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.docFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentJSON(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid document id"))
		return
	}
	if err := s.ingest.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.docFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":   doc.ID,
		"entities": doc.Entities,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid document id"))
		return
	}
	if err := s.ingest.Approve(r.Context(), id); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	s.query.InvalidateTree(id)
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": id, "status": "indexed"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("query parameter q required"))
		return
	}
	results, err := s.query.Search(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type hit struct {
		Document documentJSON `json:"document"`
		Score    float64      `json:"score"`
	}
	hits := make([]hit, len(results))
	for i, res := range results {
		hits[i] = hit{Document: toDocumentJSON(&res.Document), Score: res.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string  `json:"query"`
		DocIDs []int64 `json:"doc_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, errors.New("query required"))
		return
	}

	resp, err := s.query.Query(r.Context(), &entities.QueryRequest{
		Query:  req.Query,
		DocIDs: req.DocIDs,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":   resp.Answer,
		"thinking": resp.Thinking,
		"sources":  resp.Sources,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Rebuild(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rebuilt"})
}

// handleEvents streams pipeline events to the client over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, events, cancel := s.hub.Subscribe()
	defer cancel()
	s.log.Info("sse client connected", "subscriber", id)

	fmt.Fprintf(w, ": connected %s\n\n", id)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e := <-events:
			fmt.Fprintf(w, "data: %s\n\n", e.sseData())
			flusher.Flush()
		}
	}
}

func (s *Server) docFromPath(w http.ResponseWriter, r *http.Request) (*entities.Document, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid document id"))
		return nil, false
	}
	doc, err := s.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return doc, true
}

// documentJSON is the wire shape of a document.
type documentJSON struct {
	ID             int64               `json:"id"`
	Filename       string              `json:"filename"`
	Hash           string              `json:"hash"`
	State          string              `json:"state"`
	Pages          int                 `json:"pages,omitempty"`
	Type           string              `json:"type,omitempty"`
	Confidence     float64             `json:"confidence,omitempty"`
	RequiresReview bool                `json:"requires_review"`
	Tags           []string            `json:"tags,omitempty"`
	Entities       map[string][]string `json:"entities,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	ReceivedAt     time.Time           `json:"received_at"`
	IndexedAt      *time.Time          `json:"indexed_at,omitempty"`
}

func toDocumentJSON(d *entities.Document) documentJSON {
	out := documentJSON{
		ID:             d.ID,
		Filename:       d.Filename,
		Hash:           d.Hash,
		State:          string(d.State),
		Pages:          d.Pages,
		Type:           d.Type,
		Confidence:     d.Confidence,
		RequiresReview: d.RequiresReview,
		Tags:           d.Tags,
		Entities:       d.Entities,
		Summary:        d.Summary,
		LastError:      d.LastError,
		ReceivedAt:     d.ReceivedAt,
	}
	if !d.IndexedAt.IsZero() {
		t := d.IndexedAt
		out.IndexedAt = &t
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// authMiddleware enforces the bearer token when one is configured.
// Health stays open for liveness checks.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}
