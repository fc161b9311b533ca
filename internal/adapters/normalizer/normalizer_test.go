package normalizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_RemovesRecurringHeaders(t *testing.T) {
	text := `## Page 1
TRIBUNAL SUPERIOR DE JUSTICIA
contenido de la primera pagina

## Page 2
TRIBUNAL SUPERIOR DE JUSTICIA
contenido de la segunda pagina

## Page 3
TRIBUNAL SUPERIOR DE JUSTICIA
contenido de la tercera pagina

## Page 4
algo distinto aqui
`
	out := NewCleaner().Clean(text)
	assert.NotContains(t, out, "TRIBUNAL SUPERIOR DE JUSTICIA")
	assert.Contains(t, out, "contenido de la primera pagina")
	assert.Contains(t, out, "algo distinto aqui")
}

func TestClean_KeepsHeadersOnShortDocuments(t *testing.T) {
	// Fewer than 3 pages: not enough evidence that a line is a header.
	text := `## Page 1
ENCABEZADO
cuerpo

## Page 2
ENCABEZADO
mas cuerpo
`
	out := NewCleaner().Clean(text)
	assert.Contains(t, out, "ENCABEZADO")
}

func TestClean_ScrubsPageNumbers(t *testing.T) {
	text := "texto util\nPágina 3 de 168\n- 4 -\n12/99\nmas texto"
	out := NewCleaner().Clean(text)
	assert.NotContains(t, out, "Página 3 de 168")
	assert.NotContains(t, out, "- 4 -")
	assert.NotContains(t, out, "12/99")
	assert.Contains(t, out, "texto util")
	assert.Contains(t, out, "mas texto")
}

func TestClean_ScrubsURLLinesAndNoise(t *testing.T) {
	text := "parrafo\nhttps://www.scjn.gob.mx/footer\n*** --- ***\nfinal"
	out := NewCleaner().Clean(text)
	assert.NotContains(t, out, "https://")
	assert.NotContains(t, out, "***")
	assert.Contains(t, out, "parrafo")
}

func TestClean_CollapsesBlankRunsAndCRLF(t *testing.T) {
	text := "uno\r\n\r\n\r\n\r\ndos\r"
	out := NewCleaner().Clean(text)
	assert.Equal(t, "uno\n\ndos", out)
}

func TestClean_Deterministic(t *testing.T) {
	text := "## Page 1\nA\n\n## Page 2\nB\n"
	c := NewCleaner()
	assert.Equal(t, c.Clean(text), c.Clean(text))
}

func TestClean_ArticleHeadingsSurvive(t *testing.T) {
	text := "## Page 1\n## Artículo 316\nEl delito de lesiones...\n"
	out := NewCleaner().Clean(text)
	assert.True(t, strings.Contains(out, "## Artículo 316"), "article headings feed the section splitter")
}
