package usecases

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/gomaslegal/legalengine/internal/adapters/registry"
	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// scriptedLLM returns queued replies in order and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	err     error
}

func (m *scriptedLLM) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "respuesta generada", nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *scriptedLLM) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

type queryFixture struct {
	uc    *QueryUseCase
	store *registry.MemoryStore
	files *mockContentStore
	llm   *scriptedLLM
}

func newQueryFixture(strategy ContextStrategy, maxChars int) *queryFixture {
	f := &queryFixture{
		store: registry.NewMemoryStore(),
		files: newMockContentStore(),
		llm:   &scriptedLLM{},
	}
	f.uc = NewQueryUseCase(f.store, f.store, f.files, f.llm, strategy, 5, maxChars, nil)
	return f
}

func (f *queryFixture) seedIndexedDoc(t *testing.T, name, text string) int64 {
	t.Helper()
	ctx := context.Background()
	doc, err := f.store.Register(ctx, name, "/raw/"+name, "hash-"+name)
	if err != nil {
		t.Fatalf("seeding %s: %v", name, err)
	}
	if err := f.store.UpdateOCR(ctx, doc.ID, "ocr/"+name, "ocr/"+name+".json", 1, text); err != nil {
		t.Fatal(err)
	}
	normPath := fmt.Sprintf("norm/%s.md", name)
	f.files.texts[normPath] = text
	if err := f.store.UpdateNormalized(ctx, doc.ID, normPath); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateClassification(ctx, doc.ID, &entities.Classification{Type: "sentencia", Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkIndexed(ctx, doc.ID, "resumen de "+name); err != nil {
		t.Fatal(err)
	}
	return doc.ID
}

func TestQuery_NoDocumentsFixedAnswer(t *testing.T) {
	f := newQueryFixture(StrategyFull, 0)

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "¿qué dice?"})
	if err != nil {
		t.Fatalf("empty corpus is not an error: %v", err)
	}
	if resp.Answer != noDocsAnswer {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if f.llm.callCount() != 0 {
		t.Error("no context means no model call")
	}
}

func TestQuery_FullStrategyIncludesWholeDocument(t *testing.T) {
	f := newQueryFixture(StrategyFull, 0)
	id := f.seedIndexedDoc(t, "demanda", "## Page 1\n\nEl arrendatario debe pagar la renta puntualmente.")
	f.llm.replies = []string{"Debe pagar puntualmente."}

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "renta"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if resp.Answer != "Debe pagar puntualmente." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != id {
		t.Errorf("expected sources [%d], got %v", id, resp.Sources)
	}

	prompt := f.llm.lastPrompt()
	if !strings.Contains(prompt, fmt.Sprintf("=== Documento %d ===", id)) {
		t.Error("context must carry the document delimiter")
	}
	if !strings.Contains(prompt, "pagar la renta puntualmente") {
		t.Error("full strategy must include the document body")
	}
}

func TestQuery_ExplicitSubsetSkipsMissing(t *testing.T) {
	f := newQueryFixture(StrategyFull, 0)
	id := f.seedIndexedDoc(t, "demanda", "## Page 1\n\nContenido relevante.")
	f.llm.replies = []string{"ok"}

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{
		Query:  "contenido",
		DocIDs: []int64{id, 999},
	})
	if err != nil {
		t.Fatalf("missing ids must be skipped, not fatal: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != id {
		t.Errorf("expected only the existing document, got %v", resp.Sources)
	}
}

func TestQuery_SectionStrategyPicksMatchingArticle(t *testing.T) {
	f := newQueryFixture(StrategySections, 600)
	filler := strings.Repeat("Texto reglamentario adicional. ", 20)
	text := "## Artículo 1\n\nDe las disposiciones generales del código. " + filler + "\n\n" +
		"## Artículo 316\n\nComete fraude procesal quien simule un acto jurídico.\n\n" +
		"## Artículo 500\n\nDe la ejecución de sentencias en materia civil. " + filler
	f.seedIndexedDoc(t, "codigo", text)
	f.llm.replies = []string{"El artículo 316 tipifica el fraude procesal."}

	_, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "fraude procesal simule"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	prompt := f.llm.lastPrompt()
	if !strings.Contains(prompt, "Artículo 316") {
		t.Error("matching section missing from context")
	}
	if !strings.Contains(prompt, "fraude procesal quien simule") {
		t.Error("section body missing from context")
	}
	if strings.Contains(prompt, "ejecución de sentencias") {
		t.Error("non-matching section should not consume budget")
	}
}

func TestQuery_SectionStrategyLeadingSliceFallback(t *testing.T) {
	f := newQueryFixture(StrategySections, 2000)
	text := "## Page 1\n\nNada relacionado con la consulta.\n\n## Page 2\n\nTampoco aquí. " +
		strings.Repeat("Texto de relleno notarial. ", 100)
	f.seedIndexedDoc(t, "acta", text)
	f.llm.replies = []string{"sin coincidencias"}

	_, err := f.uc.Query(context.Background(), &entities.QueryRequest{
		Query:  "zzz inexistente",
		DocIDs: []int64{1},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !strings.Contains(f.llm.lastPrompt(), "Nada relacionado") {
		t.Error("expected leading slice when no section matches")
	}
}

func TestQuery_WindowFallbackForUnstructuredText(t *testing.T) {
	f := newQueryFixture(StrategySections, 3000)
	pad := strings.TrimSuffix(strings.Repeat("relleno sin valor alguno.\n", 300), "\n")
	text := pad + "\nla clausula penal establece una pena convencional.\n" + pad
	f.seedIndexedDoc(t, "plano", text)
	f.llm.replies = []string{"hay pena convencional"}

	_, err := f.uc.Query(context.Background(), &entities.QueryRequest{
		Query:  "clausula penal convencional",
		DocIDs: []int64{1},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	prompt := f.llm.lastPrompt()
	if !strings.Contains(prompt, "pena convencional") {
		t.Error("sliding window must surface the matching region")
	}
	if strings.Count(prompt, "relleno sin valor") >= 600 {
		t.Error("windows without matches must not be included")
	}
}

func TestQuery_TreeStrategySelectsNodes(t *testing.T) {
	f := newQueryFixture(StrategyTree, 0)
	text := "## Artículo 1\nGeneralidades.\n## Artículo 316\nComete fraude procesal quien simule actos.\n## Artículo 500\nEjecución."
	id := f.seedIndexedDoc(t, "codigo", text)
	f.files.trees[id] = &entities.SectionTree{
		DocID: id,
		Roots: []*entities.SectionNode{
			{NodeID: "0001", Title: "Artículo 1", StartLine: 1},
			{NodeID: "0002", Title: "Artículo 316", StartLine: 3},
			{NodeID: "0003", Title: "Artículo 500", StartLine: 5},
		},
	}
	f.llm.replies = []string{
		`{"thinking": "la pregunta es sobre fraude", "node_list": ["0002"]}`,
		"El artículo 316 responde la pregunta.",
	}

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "fraude procesal"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if resp.Thinking != "la pregunta es sobre fraude" {
		t.Errorf("thinking not propagated: %q", resp.Thinking)
	}

	answerPrompt := f.llm.lastPrompt()
	if !strings.Contains(answerPrompt, "fraude procesal quien simule") {
		t.Error("selected node extent missing from context")
	}
	if strings.Contains(answerPrompt, "Generalidades") {
		t.Error("unselected node must not appear in context")
	}
}

func TestQuery_TreeStrategyUnparseableSelection(t *testing.T) {
	f := newQueryFixture(StrategyTree, 0)
	id := f.seedIndexedDoc(t, "codigo", "## Artículo 1\nTexto.")
	f.files.trees[id] = &entities.SectionTree{
		DocID: id,
		Roots: []*entities.SectionNode{{NodeID: "0001", Title: "Artículo 1", StartLine: 1}},
	}
	f.llm.replies = []string{"no puedo devolver json, lo siento"}

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "algo", DocIDs: []int64{id}})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if resp.Answer != noDocsAnswer {
		t.Errorf("unusable selection must yield the fixed answer, got %q", resp.Answer)
	}
	if f.llm.callCount() != 1 {
		t.Errorf("no answer call without context, got %d calls", f.llm.callCount())
	}
}

func TestQuery_FullInclusionThresholdPerDocument(t *testing.T) {
	f := newQueryFixture(StrategySections, 1000)
	first := strings.Repeat("Texto introductorio del contrato. ", 20) +
		"cláusula vigésima final sobre jurisdicción."
	second := strings.Repeat("Disposiciones varias del anexo. ", 22)
	f.seedIndexedDoc(t, "contrato", first)
	f.seedIndexedDoc(t, "anexo", second)
	f.llm.replies = []string{"jurisdicción pactada"}

	_, err := f.uc.Query(context.Background(), &entities.QueryRequest{
		Query:  "jurisdicción",
		DocIDs: []int64{1, 2},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	// Each document fits the budget on its own, so it goes in whole. The
	// combined limit is enforced by the global cut, never by shrinking the
	// per-document threshold.
	prompt := f.llm.lastPrompt()
	if !strings.Contains(prompt, "cláusula vigésima final") {
		t.Error("a document under the budget must be included verbatim to its end")
	}
	if !strings.Contains(prompt, truncationMarker) {
		t.Error("combined overflow must carry the truncation marker")
	}
}

func TestTruncationRespectsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("á", 300)
	for budget := 40; budget < 46; budget++ {
		if got := truncate(text, budget); !utf8.ValidString(got) {
			t.Errorf("budget %d: truncate split a rune: %q", budget, got)
		}
		if got := leadingSlice(text, budget); !utf8.ValidString(got) {
			t.Errorf("budget %d: leading slice split a rune: %q", budget, got)
		}
	}
}

func TestQuery_GlobalTruncationMarksCut(t *testing.T) {
	f := newQueryFixture(StrategyFull, 400)
	long := strings.Repeat("párrafo con contenido legal relevante.\n\n", 40)
	f.seedIndexedDoc(t, "tomo", long)
	f.llm.replies = []string{"resumen"}

	_, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "contenido", DocIDs: []int64{1}})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	prompt := f.llm.lastPrompt()
	if !strings.Contains(prompt, truncationMarker) {
		t.Error("oversized context must carry the truncation marker")
	}
	start := strings.Index(prompt, "CONTEXTO:\n")
	end := strings.Index(prompt, "\n\nPREGUNTA:")
	if start < 0 || end < start {
		t.Fatal("prompt layout changed")
	}
	if got := end - start; got > 400+len("CONTEXTO:\n")+10 {
		t.Errorf("context exceeds budget: %d chars", got)
	}
}

func TestQuery_DiscoveryViaFullTextSearch(t *testing.T) {
	f := newQueryFixture(StrategyFull, 0)
	f.seedIndexedDoc(t, "arrendamiento", "## Page 1\n\nContrato de arrendamiento y depósito en garantía.")
	f.seedIndexedDoc(t, "laboral", "## Page 1\n\nDemanda laboral por despido injustificado.")
	f.llm.replies = []string{"trata del depósito"}

	resp, err := f.uc.Query(context.Background(), &entities.QueryRequest{Query: "arrendamiento garantía"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("expected search to narrow to one document, got %v", resp.Sources)
	}
	if resp.Sources[0] != 1 {
		t.Errorf("expected the lease document, got %d", resp.Sources[0])
	}
}

func TestSearch_DelegatesToIndex(t *testing.T) {
	f := newQueryFixture(StrategyFull, 0)
	f.seedIndexedDoc(t, "demanda", "## Page 1\n\nPensión alimenticia provisional.")

	results, err := f.uc.Search(context.Background(), "alimenticia")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(results))
	}
}
