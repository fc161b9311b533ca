// Package usecases - query.go assembles document context under a character
// budget and generates answers over it.
package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
)

// ContextStrategy selects how document text is reduced to fit the budget.
type ContextStrategy string

const (
	StrategyFull     ContextStrategy = "full"
	StrategySections ContextStrategy = "sections"
	StrategyTree     ContextStrategy = "tree"
)

const (
	defaultMaxContextChars = 180000
	defaultTopK            = 5
	answerMaxTokens        = 1024
	selectMaxTokens        = 1024
	minKeywordLen          = 3
	windowLines            = 100
	nodeLineCap            = 500
	truncationMarker       = "[CONTEXTO TRUNCADO]"
	noDocsAnswer           = "No hay documentos disponibles para responder la consulta."
)

// sectionHeadingRe splits normalized text into scoreable sections at page
// markers and article headings.
var sectionHeadingRe = regexp.MustCompile(`(?m)^#{1,2}\s+.+$`)

// QueryUseCase answers natural-language questions over indexed documents.
// Single Responsibility: Only retrieval and response logic.
type QueryUseCase struct {
	registry ports.DocumentRegistry
	search   ports.SearchIndex
	store    ports.ContentStore
	llm      ports.LLMService
	strategy ContextStrategy
	topK     int
	maxChars int
	log      *slog.Logger

	mu    sync.Mutex
	trees map[int64]*entities.SectionTree
}

// NewQueryUseCase creates a QueryUseCase with injected dependencies.
func NewQueryUseCase(
	registry ports.DocumentRegistry,
	search ports.SearchIndex,
	store ports.ContentStore,
	llm ports.LLMService,
	strategy ContextStrategy,
	topK, maxContextChars int,
	log *slog.Logger,
) *QueryUseCase {
	if topK <= 0 {
		topK = defaultTopK
	}
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	switch strategy {
	case StrategyFull, StrategySections, StrategyTree:
	default:
		strategy = StrategySections
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueryUseCase{
		registry: registry,
		search:   search,
		store:    store,
		llm:      llm,
		strategy: strategy,
		topK:     topK,
		maxChars: maxContextChars,
		log:      log,
		trees:    map[int64]*entities.SectionTree{},
	}
}

// Query discovers relevant documents, assembles context under the budget
// and asks the model for an answer grounded in that context.
func (uc *QueryUseCase) Query(ctx context.Context, req *entities.QueryRequest) (*entities.QueryAnswer, error) {
	docs, err := uc.discover(ctx, req)
	if err != nil {
		return nil, err
	}

	contextText, sources, thinking := uc.assemble(ctx, req.Query, docs)
	if strings.TrimSpace(contextText) == "" {
		return &entities.QueryAnswer{Answer: noDocsAnswer}, nil
	}

	answer, err := uc.llm.Complete(ctx, uc.buildPrompt(req.Query, contextText), answerMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	return &entities.QueryAnswer{
		Answer:   strings.TrimSpace(answer),
		Thinking: thinking,
		Sources:  sources,
	}, nil
}

// Search exposes the ranked full-text lookup without generation.
func (uc *QueryUseCase) Search(ctx context.Context, query string) ([]entities.SearchResult, error) {
	return uc.search.Search(ctx, query, uc.topK)
}

// discover resolves the document set: the explicit subset when given,
// otherwise the top full-text hits, otherwise every indexed document.
func (uc *QueryUseCase) discover(ctx context.Context, req *entities.QueryRequest) ([]entities.Document, error) {
	if len(req.DocIDs) > 0 {
		var docs []entities.Document
		for _, id := range req.DocIDs {
			doc, err := uc.registry.GetByID(ctx, id)
			if err != nil {
				uc.log.Warn("requested document unavailable", "doc_id", id, "error", err)
				continue
			}
			docs = append(docs, *doc)
		}
		return docs, nil
	}

	hits, err := uc.search.Search(ctx, req.Query, uc.topK)
	if err != nil {
		uc.log.Warn("index query failed, using full document set", "error", err)
		hits = nil
	}
	if len(hits) > 0 {
		docs := make([]entities.Document, 0, len(hits))
		for _, h := range hits {
			docs = append(docs, h.Document)
		}
		return docs, nil
	}

	all, err := uc.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	var docs []entities.Document
	for _, d := range all {
		if d.State == entities.StateIndexed {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// assemble builds the combined context block, returning the ids of the
// documents that actually contributed text.
func (uc *QueryUseCase) assemble(ctx context.Context, query string, docs []entities.Document) (string, []int64, string) {
	var (
		blocks   []string
		sources  []int64
		thinking []string
	)
	for _, doc := range docs {
		if doc.NormPath == "" {
			uc.log.Warn("document has no normalized text, skipping", "doc_id", doc.ID)
			continue
		}
		text, err := uc.store.ReadText(doc.NormPath)
		if err != nil {
			uc.log.Warn("document text unreadable, skipping", "doc_id", doc.ID, "error", err)
			continue
		}

		var body, notes string
		switch uc.strategy {
		case StrategyFull:
			body = text
		case StrategyTree:
			body, notes = uc.treeContext(ctx, query, &doc, text)
		default:
			// Whole-text inclusion is lossless, so every document that fits
			// the per-document budget goes in verbatim. The global truncate
			// below enforces the combined limit.
			if len(text) <= uc.maxChars {
				body = text
			} else {
				body = sectionContext(query, text, uc.maxChars)
			}
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("=== Documento %d ===\n%s", doc.ID, body))
		sources = append(sources, doc.ID)
		if notes != "" {
			thinking = append(thinking, notes)
		}
	}

	combined := truncate(strings.Join(blocks, "\n\n"), uc.maxChars)
	return combined, sources, strings.Join(thinking, "\n")
}

// ---- section strategy -------------------------------------------------

type scoredSection struct {
	start, end int // byte offsets
	score      int
	order      int
}

// sectionContext keeps the highest-scoring heading-delimited sections that
// fit the per-document budget, falling back to a leading slice when no
// section matches and to scored sliding windows when there are no headings.
func sectionContext(query, text string, budget int) string {
	keywords := extractKeywords(query)
	bounds := sectionHeadingRe.FindAllStringIndex(text, -1)
	if len(bounds) == 0 {
		return windowContext(keywords, text, budget)
	}

	sections := make([]scoredSection, 0, len(bounds))
	for i, b := range bounds {
		end := len(text)
		if i+1 < len(bounds) {
			end = bounds[i+1][0]
		}
		sections = append(sections, scoredSection{
			start: b[0],
			end:   end,
			score: scoreText(text[b[0]:end], keywords),
			order: i,
		})
	}

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].score > sections[j].score
	})

	var picked []scoredSection
	used := 0
	for _, s := range sections {
		if s.score == 0 {
			break
		}
		size := s.end - s.start
		if used+size > budget {
			continue
		}
		picked = append(picked, s)
		used += size
	}
	if len(picked) == 0 {
		return leadingSlice(text, budget)
	}

	// Reassemble in document order so the model sees coherent flow.
	sort.Slice(picked, func(i, j int) bool { return picked[i].order < picked[j].order })
	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = strings.TrimSpace(text[s.start:s.end])
	}
	return strings.Join(parts, "\n\n")
}

// windowContext scores fixed-size line windows with 50% overlap, for text
// that carries no heading structure at all.
func windowContext(keywords []string, text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	step := windowLines / 2
	type win struct {
		start, score int // line offsets
	}
	var wins []win
	for start := 0; start < len(lines); start += step {
		end := start + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[start:end], "\n")
		wins = append(wins, win{start: start, score: scoreText(body, keywords)})
		if end == len(lines) {
			break
		}
	}
	sort.SliceStable(wins, func(i, j int) bool { return wins[i].score > wins[j].score })

	var picked []win
	used := 0
	for _, w := range wins {
		if w.score == 0 {
			break
		}
		end := w.start + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[w.start:end], "\n")
		if used+len(body) > budget {
			continue
		}
		picked = append(picked, w)
		used += len(body)
	}
	if len(picked) == 0 {
		return leadingSlice(text, budget)
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].start < picked[j].start })
	parts := make([]string, len(picked))
	for i, w := range picked {
		end := w.start + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		parts[i] = strings.TrimSpace(strings.Join(lines[w.start:end], "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// ---- tree strategy ----------------------------------------------------

// treeContext lets the model pick section nodes off the table of contents,
// then assembles their line extents. With no tree on disk it degrades to
// the section strategy; an unusable model selection yields no context.
func (uc *QueryUseCase) treeContext(ctx context.Context, query string, doc *entities.Document, text string) (string, string) {
	tree := uc.tree(doc.ID)
	if tree == nil {
		return sectionContext(query, text, uc.maxChars), ""
	}

	toc, err := json.MarshalIndent(tree.Pruned(), "", "  ")
	if err != nil {
		return sectionContext(query, text, uc.maxChars), ""
	}

	prompt := fmt.Sprintf(`Eres un asistente legal. Dada la tabla de contenido de un documento y una pregunta, selecciona los nodos relevantes.

TABLA DE CONTENIDO:
%s

PREGUNTA: %s

Responde SOLO con JSON: {"thinking": "...", "node_list": ["id", ...]}`, toc, query)

	reply, err := uc.llm.Complete(ctx, prompt, selectMaxTokens)
	if err != nil {
		uc.log.Warn("node selection failed", "doc_id", doc.ID, "error", err)
		return "", ""
	}

	thinking, nodeIDs := parseSelection(reply)
	if len(nodeIDs) == 0 {
		return "", thinking
	}

	lines := strings.Split(text, "\n")
	var parts []string
	for _, id := range nodeIDs {
		node := tree.Lookup(id)
		if node == nil || node.StartLine <= 0 || node.StartLine > len(lines) {
			continue
		}
		start, end := tree.Extent(node, len(lines), nodeLineCap)
		parts = append(parts, strings.TrimSpace(strings.Join(lines[start-1:end-1], "\n")))
	}
	return strings.Join(parts, "\n\n"), thinking
}

// parseSelection extracts the selection from the model reply, tolerating
// prose around the JSON object. An unparseable reply yields no nodes.
func parseSelection(reply string) (thinking string, nodeIDs []string) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return "", nil
	}
	body := reply[start : end+1]
	if !gjson.Valid(body) {
		return "", nil
	}
	thinking = gjson.Get(body, "thinking").String()
	for _, v := range gjson.Get(body, "node_list").Array() {
		if s := v.String(); s != "" {
			nodeIDs = append(nodeIDs, s)
		}
	}
	return thinking, nodeIDs
}

// tree returns the cached section tree, loading it on first use.
func (uc *QueryUseCase) tree(docID int64) *entities.SectionTree {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if t, ok := uc.trees[docID]; ok {
		return t
	}
	t, err := uc.store.LoadTree(docID)
	if err != nil {
		return nil
	}
	uc.trees[docID] = t
	return t
}

// InvalidateTree drops a cached tree so the next query reloads it.
func (uc *QueryUseCase) InvalidateTree(docID int64) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.trees, docID)
}

// ---- shared helpers ---------------------------------------------------

func extractKeywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:¿?¡!\"'()")
		if utf8.RuneCountInString(w) >= minKeywordLen {
			out = append(out, w)
		}
	}
	return out
}

func scoreText(text string, keywords []string) int {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0
	for _, kw := range keywords {
		score += strings.Count(lower, kw)
	}
	return score
}

func leadingSlice(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	return cutRunes(text, budget)
}

// cutRunes truncates s to at most n bytes without splitting a rune.
func cutRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// truncate cuts the assembled context at the budget, backing up to the
// nearest paragraph or document boundary when one sits past the midpoint,
// and appends the truncation marker.
func truncate(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	room := budget - len(truncationMarker) - 2
	if room < 0 {
		room = 0
	}
	cut := cutRunes(text, room)
	boundary := strings.LastIndex(cut, "\n\n")
	if b := strings.LastIndex(cut, "\n==="); b > boundary {
		boundary = b
	}
	if boundary > budget/2 {
		cut = cut[:boundary]
	}
	return cut + "\n\n" + truncationMarker
}

// buildPrompt creates the answer prompt over the assembled context.
func (uc *QueryUseCase) buildPrompt(query, contextText string) string {
	var sb strings.Builder
	sb.WriteString("Eres un asistente legal. Responde la pregunta usando únicamente el contexto proporcionado. Si el contexto no contiene la respuesta, dilo.\n\n")
	sb.WriteString("CONTEXTO:\n")
	sb.WriteString(contextText)
	sb.WriteString("\n\nPREGUNTA: ")
	sb.WriteString(query)
	sb.WriteString("\n\nRESPUESTA:")
	return sb.String()
}
