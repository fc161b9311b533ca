package contentstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(DefaultLayout(t.TempDir()), 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	store.checkInterval = 10 * time.Millisecond
	return store
}

func TestHashFile_Deterministic(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Layout().Input, "a.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 contents"), 0o644))

	h1, err := store.HashFile(path)
	require.NoError(t, err)
	h2, err := store.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestStabilize_SettledFile(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Layout().Input, "stable.pdf")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	assert.NoError(t, store.Stabilize(context.Background(), path))
}

func TestStabilize_MissingFile(t *testing.T) {
	store := newTestStore(t)
	err := store.Stabilize(context.Background(), filepath.Join(store.Layout().Input, "gone.pdf"))
	assert.Error(t, err)
}

func TestStabilize_GrowingFileTimesOut(t *testing.T) {
	store := newTestStore(t)
	store.maxStabilize = 200 * time.Millisecond
	path := filepath.Join(store.Layout().Input, "growing.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			f.WriteString("more")
			f.Close()
			time.Sleep(10 * time.Millisecond)
		}
	}()

	err := store.Stabilize(context.Background(), path)
	<-done
	assert.Error(t, err)
}

func TestStage_MovesAtomically(t *testing.T) {
	store := newTestStore(t)
	src := filepath.Join(store.Layout().Input, "move.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o644))

	dst, err := store.Stage(src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Layout().Processing, "move.pdf"), dst)
	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)
}

func TestWriteOCR_Artifacts(t *testing.T) {
	store := newTestStore(t)
	res := &entities.OCRResult{
		Model: "mistral-ocr",
		Pages: []entities.OCRPage{{Number: 1, Markdown: "hola"}},
	}

	mdPath, jsonPath, err := store.WriteOCR(9, "escrito.pdf", res)
	require.NoError(t, err)
	assert.FileExists(t, mdPath)
	assert.FileExists(t, jsonPath)

	text, err := store.ReadText(mdPath)
	require.NoError(t, err)
	assert.Contains(t, text, "## Page 1")
	assert.Contains(t, text, "hola")
}

func TestSectionTree_RoundTripAndListing(t *testing.T) {
	store := newTestStore(t)
	tree := &entities.SectionTree{
		DocID:   42,
		DocName: "norm_escrito_42",
		Roots: []*entities.SectionNode{
			{NodeID: "0001", Title: "Resultandos", StartLine: 3, Children: []*entities.SectionNode{
				{NodeID: "0002", Title: "Primero", StartLine: 5},
			}},
		},
	}

	path, err := store.SaveTree(tree)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Layout().Indices, "index_42.json"), path)

	got, err := store.LoadTree(42)
	require.NoError(t, err)
	assert.Equal(t, tree.DocName, got.DocName)
	require.Len(t, got.Roots, 1)
	assert.Equal(t, "0002", got.Roots[0].Children[0].NodeID)

	ids, err := store.ListTrees()
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)
}

func TestMoveToDeadLetter(t *testing.T) {
	store := newTestStore(t)
	src := filepath.Join(store.Layout().Processing, "broken.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o644))

	dst, err := store.MoveToDeadLetter(src)
	require.NoError(t, err)
	assert.FileExists(t, dst)
	assert.Contains(t, dst, "dead_letter")
}
