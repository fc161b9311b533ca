// Package contentstore owns the filesystem artifact layout.
// Clean Architecture: Adapter implementing ports.ContentStore.
// Directories: input, processing, ocr_output, normalized, review_queue,
// review_queue/dead_letter, indices.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// Layout names every holding area the pipeline touches.
type Layout struct {
	Input      string
	Processing string
	OCROutput  string
	Normalized string
	Review     string
	DeadLetter string
	Indices    string
}

// DefaultLayout builds the standard directory tree under baseDir.
func DefaultLayout(baseDir string) Layout {
	return Layout{
		Input:      filepath.Join(baseDir, "input"),
		Processing: filepath.Join(baseDir, "processing"),
		OCROutput:  filepath.Join(baseDir, "ocr_output"),
		Normalized: filepath.Join(baseDir, "normalized"),
		Review:     filepath.Join(baseDir, "review_queue"),
		DeadLetter: filepath.Join(baseDir, "review_queue", "dead_letter"),
		Indices:    filepath.Join(baseDir, "indices"),
	}
}

// Store implements ports.ContentStore on the local filesystem.
type Store struct {
	layout        Layout
	quietPeriod   time.Duration
	maxStabilize  time.Duration
	checkInterval time.Duration
}

// New creates the store and ensures every directory exists.
func New(layout Layout, quietPeriod, maxStabilize time.Duration) (*Store, error) {
	if quietPeriod <= 0 {
		quietPeriod = 3 * time.Second
	}
	if maxStabilize <= 0 {
		maxStabilize = 60 * time.Second
	}
	for _, dir := range []string{
		layout.Input, layout.Processing, layout.OCROutput,
		layout.Normalized, layout.Review, layout.DeadLetter, layout.Indices,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Store{
		layout:        layout,
		quietPeriod:   quietPeriod,
		maxStabilize:  maxStabilize,
		checkInterval: time.Second,
	}, nil
}

// Layout returns the directory layout in use.
func (s *Store) Layout() Layout { return s.layout }

// Stabilize waits until the file size stays constant for the quiet period.
// An item still being copied in keeps changing size; accepting it early
// would hash a torso.
func (s *Store) Stabilize(ctx context.Context, path string) error {
	deadline := time.Now().Add(s.maxStabilize)
	lastSize := int64(-1)
	var stableSince time.Time

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return fmt.Errorf("file %s disappeared while stabilizing", filepath.Base(path))
		}
		if err == nil {
			if info.Size() == lastSize {
				if stableSince.IsZero() {
					stableSince = time.Now()
				} else if time.Since(stableSince) >= s.quietPeriod {
					return nil
				}
			} else {
				lastSize = info.Size()
				stableSince = time.Time{}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.checkInterval):
		}
	}
	return fmt.Errorf("file %s never stabilized within %s", filepath.Base(path), s.maxStabilize)
}

// HashFile computes the SHA-256 content hash in 4K blocks.
func (s *Store) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 4096)); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stage moves a raw input into the processing area. Rename is atomic on the
// same filesystem; transient lock errors (antivirus, network shares) are
// retried briefly before giving up.
func (s *Store) Stage(path string) (string, error) {
	dst := filepath.Join(s.layout.Processing, filepath.Base(path))
	err := retry.Do(
		func() error { return moveFile(path, dst) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// WriteOCR persists the markdown and JSON OCR artifacts for a document.
func (s *Store) WriteOCR(docID int64, filename string, res *entities.OCRResult) (string, string, error) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	mdPath := filepath.Join(s.layout.OCROutput, fmt.Sprintf("%s_%d.md", base, docID))
	jsonPath := filepath.Join(s.layout.OCROutput, fmt.Sprintf("%s_%d.json", base, docID))

	if err := os.WriteFile(mdPath, []byte(res.Markdown(filename)), 0o644); err != nil {
		return "", "", fmt.Errorf("writing OCR markdown: %w", err)
	}

	type pageJSON struct {
		Page       int     `json:"page"`
		Text       string  `json:"text"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
	}
	doc := struct {
		Pages []pageJSON     `json:"pages"`
		Meta  map[string]any `json:"meta"`
	}{Meta: map[string]any{"model": res.Model, "pages": len(res.Pages)}}
	for _, p := range res.Pages {
		doc.Pages = append(doc.Pages, pageJSON{Page: p.Number, Text: p.Markdown, Width: p.Width, Height: p.Height})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encoding OCR json: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing OCR json: %w", err)
	}
	return mdPath, jsonPath, nil
}

// WriteNormalized persists cleaned text next to the OCR artifacts.
func (s *Store) WriteNormalized(docID int64, mdPath, text string) (string, error) {
	name := "norm_" + filepath.Base(mdPath)
	path := filepath.Join(s.layout.Normalized, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing normalized text: %w", err)
	}
	return path, nil
}

// CopyToReview places a copy of the staged file in the review queue.
func (s *Store) CopyToReview(stagedPath string) error {
	dst := filepath.Join(s.layout.Review, filepath.Base(stagedPath))
	return copyFile(stagedPath, dst)
}

// MoveToDeadLetter parks a failed input permanently.
func (s *Store) MoveToDeadLetter(path string) (string, error) {
	dst := filepath.Join(s.layout.DeadLetter, filepath.Base(path))
	if err := moveFile(path, dst); err != nil {
		return "", fmt.Errorf("dead-lettering %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// SaveTree writes the section index under its deterministic name.
func (s *Store) SaveTree(tree *entities.SectionTree) (string, error) {
	path := s.treePath(tree.DocID)
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding section tree: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing section tree: %w", err)
	}
	return path, nil
}

// LoadTree reads a document's section index, if present.
func (s *Store) LoadTree(docID int64) (*entities.SectionTree, error) {
	data, err := os.ReadFile(s.treePath(docID))
	if err != nil {
		return nil, fmt.Errorf("reading section tree %d: %w", docID, err)
	}
	var tree entities.SectionTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decoding section tree %d: %w", docID, err)
	}
	return &tree, nil
}

// ListTrees enumerates document ids with a persisted section index.
func (s *Store) ListTrees() ([]int64, error) {
	glob, err := filepath.Glob(filepath.Join(s.layout.Indices, "index_*.json"))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, p := range glob {
		name := strings.TrimSuffix(filepath.Base(p), ".json")
		name = strings.TrimPrefix(name, "index_")
		var id int64
		if _, err := fmt.Sscanf(name, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReadText reads a text artifact from disk.
func (s *Store) ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func (s *Store) treePath(docID int64) string {
	return filepath.Join(s.layout.Indices, fmt.Sprintf("index_%d.json", docID))
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device moves cannot rename; copy then remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
