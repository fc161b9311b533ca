package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

type stubLLM struct {
	reply string
	err   error
	calls int
}

func (s *stubLLM) Complete(_ context.Context, _ string, _ int) (string, error) {
	s.calls++
	return s.reply, s.err
}

func writeNorm(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "norm_demanda.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIndex_BuildsNestedTree(t *testing.T) {
	path := writeNorm(t, `# OCR Result for demanda.pdf

## Page 1

## Artículo 1

Las partes convienen lo siguiente.

## Page 2

### Cláusula segunda

Del pago de rentas.
`)
	b := NewTreeBuilder(nil, false, nil)
	tree, err := b.Index(context.Background(), 7, path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), tree.DocID)
	assert.Equal(t, "norm_demanda", tree.DocName)
	require.Len(t, tree.Roots, 1)

	root := tree.Roots[0]
	assert.Equal(t, "OCR Result for demanda.pdf", root.Title)
	require.Len(t, root.Children, 3)
	assert.Equal(t, "Page 1", root.Children[0].Title)
	assert.Equal(t, "Artículo 1", root.Children[1].Title)
	assert.Equal(t, "Page 2", root.Children[2].Title)

	page2 := root.Children[2]
	require.Len(t, page2.Children, 1)
	assert.Equal(t, "Cláusula segunda", page2.Children[0].Title)
	assert.Equal(t, 11, page2.Children[0].StartLine)
}

func TestIndex_NodeIDsAreUnique(t *testing.T) {
	path := writeNorm(t, "# Uno\n\n## Dos\n\n## Tres\n")
	b := NewTreeBuilder(nil, false, nil)
	tree, err := b.Index(context.Background(), 1, path)
	require.NoError(t, err)

	seen := map[string]bool{}
	tree.Walk(func(n *entities.SectionNode) {
		assert.False(t, seen[n.NodeID], "duplicate node id %s", n.NodeID)
		seen[n.NodeID] = true
	})
	assert.Len(t, seen, 3)
}

func TestIndex_NoHeadingsGetsSingleRoot(t *testing.T) {
	path := writeNorm(t, "texto plano sin encabezados\notra línea\n")
	b := NewTreeBuilder(nil, false, nil)
	tree, err := b.Index(context.Background(), 2, path)
	require.NoError(t, err)

	require.Len(t, tree.Roots, 1)
	assert.Equal(t, "norm_demanda", tree.Roots[0].Title)
	assert.Equal(t, 1, tree.Roots[0].StartLine)
	assert.Contains(t, tree.Roots[0].Summary, "texto plano")
}

func TestIndex_SummariesComeFromModel(t *testing.T) {
	path := writeNorm(t, "## Artículo 316\n\nDel fraude procesal y sus penas.\n")
	llm := &stubLLM{reply: "Tipifica el fraude procesal."}
	b := NewTreeBuilder(llm, true, nil)
	tree, err := b.Index(context.Background(), 3, path)
	require.NoError(t, err)

	require.Len(t, tree.Roots, 1)
	assert.Equal(t, "Tipifica el fraude procesal.", tree.Roots[0].Summary)
	assert.Equal(t, 1, llm.calls)
}

func TestIndex_SummaryFallsBackOnModelError(t *testing.T) {
	path := writeNorm(t, "## Page 1\n\nContenido de la primera página.\n")
	llm := &stubLLM{err: errors.New("model unavailable")}
	b := NewTreeBuilder(llm, true, nil)
	tree, err := b.Index(context.Background(), 4, path)
	require.NoError(t, err)

	assert.Contains(t, tree.Roots[0].Summary, "Contenido de la primera página")
}

func TestIndex_MissingFile(t *testing.T) {
	b := NewTreeBuilder(nil, false, nil)
	_, err := b.Index(context.Background(), 5, filepath.Join(t.TempDir(), "nope.md"))
	assert.Error(t, err)
}
