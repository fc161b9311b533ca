package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
- type: sentencia
  tags: [resolucion, judicial]
  review_threshold: 0.5
  strong_signals:
    - text: "s e n t e n c i a"
      location: header
      weight: 0.4
    - text: "resuelve"
      location: footer
      weight: 0.3
    - text: "vistos para resolver"
      location: first_pages
      weight: 0.3
- type: contrato
  tags: [civil]
  strong_signals:
    - text: "contrato de arrendamiento"
      location: anywhere
      weight: 0.8
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestClassify_MatchesStrongestRule(t *testing.T) {
	c := NewRuleClassifier(writeRules(t, testRules), nil)

	text := "S E N T E N C I A\nvistos para resolver los autos\n" +
		"cuerpo del documento\n" + "se resuelve en definitiva"
	got, err := c.Classify(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, "sentencia", got.Type)
	assert.InDelta(t, 1.0, got.Confidence, 0.01)
	assert.False(t, got.RequiresReview)
	assert.Contains(t, got.Tags, "judicial")
}

func TestClassify_LowConfidenceRequiresReview(t *testing.T) {
	c := NewRuleClassifier(writeRules(t, testRules), nil)

	// Only the footer signal fires: 0.3 < review_threshold 0.5.
	got, err := c.Classify(context.Background(), "texto cualquiera\nresuelve")
	require.NoError(t, err)
	assert.Equal(t, "sentencia", got.Type)
	assert.True(t, got.RequiresReview)
}

func TestClassify_NoMatchIsUnclassified(t *testing.T) {
	c := NewRuleClassifier(writeRules(t, testRules), nil)

	got, err := c.Classify(context.Background(), "nada que ver aqui")
	require.NoError(t, err)
	assert.Equal(t, "unclassified", got.Type)
	assert.Zero(t, got.Confidence)
	assert.True(t, got.RequiresReview)
}

func TestClassify_MissingRulesFileDegrades(t *testing.T) {
	c := NewRuleClassifier(filepath.Join(t.TempDir(), "absent.yaml"), nil)

	got, err := c.Classify(context.Background(), "cualquier texto")
	require.NoError(t, err)
	assert.Equal(t, "unclassified", got.Type)
}

func TestClassify_HotReload(t *testing.T) {
	path := writeRules(t, testRules)
	c := NewRuleClassifier(path, nil)
	require.Equal(t, 2, c.RuleCount())

	updated := testRules + `
- type: acta
  strong_signals:
    - text: "acta circunstanciada"
      weight: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	// Push mtime past the cached one regardless of filesystem granularity.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	got, err := c.Classify(context.Background(), "ACTA CIRCUNSTANCIADA de los hechos")
	require.NoError(t, err)
	assert.Equal(t, "acta", got.Type)
	assert.Equal(t, 3, c.RuleCount())
}

func TestExtractEntities(t *testing.T) {
	text := `En el expediente número 123/2024/V-A, promovente: JUAN PÉREZ LÓPEZ
dictada el 12 de enero de 2024, con fundamento en el artículo 316 bis
y folio REG-99/2024. Fecha de recepción 03/02/2024.`

	got := ExtractEntities(text)
	assert.Contains(t, got["expediente"], "123/2024/V-A")
	assert.Contains(t, got["fecha"], "12 de enero de 2024")
	assert.Contains(t, got["fecha"], "03/02/2024")
	assert.Contains(t, got["articulo"], "316")
	assert.NotEmpty(t, got["parte"])
}

func TestExtractEntities_EmptyText(t *testing.T) {
	assert.Empty(t, ExtractEntities(""))
}
