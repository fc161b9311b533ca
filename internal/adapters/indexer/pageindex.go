// Package indexer builds the hierarchical section tree for a document.
// Clean Architecture: Adapter implementing ports.SectionIndexer. Node
// summaries come from whatever ports.LLMService is injected; the indexer
// never talks to a concrete provider.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
	"github.com/gomaslegal/legalengine/internal/domain/ports"
)

var headingRe = regexp.MustCompile(`^(#{1,4})\s+(.+)$`)

const (
	summaryPreviewChars = 600
	summaryMaxTokens    = 200
	nodeLineCap         = 500
)

// TreeBuilder derives a section tree from heading structure in normalized
// markdown and optionally summarizes each section.
type TreeBuilder struct {
	llm       ports.LLMService // nil disables generated summaries
	summarize bool
	log       *slog.Logger
}

// NewTreeBuilder creates a section indexer. With a nil llm the summaries
// fall back to a leading excerpt of each section.
func NewTreeBuilder(llm ports.LLMService, summarize bool, log *slog.Logger) *TreeBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &TreeBuilder{llm: llm, summarize: summarize, log: log}
}

// Index reads the normalized file and builds the section tree.
func (b *TreeBuilder) Index(ctx context.Context, docID int64, normPath string) (*entities.SectionTree, error) {
	data, err := os.ReadFile(normPath)
	if err != nil {
		return nil, fmt.Errorf("reading normalized text: %w", err)
	}
	lines := strings.Split(string(data), "\n")

	tree := &entities.SectionTree{
		DocID:   docID,
		DocName: baseName(normPath),
	}
	b.buildNodes(tree, lines)

	if len(tree.Roots) == 0 {
		// A document with no heading structure still gets a single root
		// so tree-guided retrieval has something to select.
		tree.Roots = []*entities.SectionNode{{
			NodeID:    "0001",
			Title:     tree.DocName,
			StartLine: 1,
		}}
	}

	b.addSummaries(ctx, tree, lines)
	return tree, nil
}

// buildNodes walks the heading lines and nests nodes by heading level.
func (b *TreeBuilder) buildNodes(tree *entities.SectionTree, lines []string) {
	type frame struct {
		level int
		node  *entities.SectionNode
	}
	var stack []frame
	nextID := 0

	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := len(m[1])
		nextID++
		node := &entities.SectionNode{
			NodeID:    fmt.Sprintf("%04d", nextID),
			Title:     strings.TrimSpace(m[2]),
			StartLine: i + 1,
		}

		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			tree.Roots = append(tree.Roots, node)
		} else {
			parent := stack[len(stack)-1].node
			parent.Children = append(parent.Children, node)
		}
		stack = append(stack, frame{level: level, node: node})
	}
}

// addSummaries fills in node summaries, preferring the language model and
// degrading to a leading excerpt when it is unavailable or fails.
func (b *TreeBuilder) addSummaries(ctx context.Context, tree *entities.SectionTree, lines []string) {
	tree.Walk(func(n *entities.SectionNode) {
		start, end := tree.Extent(n, len(lines), nodeLineCap)
		body := strings.TrimSpace(strings.Join(lines[start-1:end-1], "\n"))
		excerpt := body
		if len(excerpt) > summaryPreviewChars {
			cut := summaryPreviewChars
			for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
				cut--
			}
			excerpt = excerpt[:cut]
		}

		if b.llm == nil || !b.summarize || excerpt == "" {
			n.Summary = excerpt
			return
		}

		prompt := fmt.Sprintf(
			"Summarize the following section of a legal document in one or two sentences, in the document's language.\n\nTITLE: %s\n\nTEXT:\n%s\n\nSUMMARY:",
			n.Title, excerpt)
		summary, err := b.llm.Complete(ctx, prompt, summaryMaxTokens)
		if err != nil || strings.TrimSpace(summary) == "" {
			if err != nil {
				b.log.Warn("section summary failed, using excerpt", "node", n.NodeID, "error", err)
			}
			n.Summary = excerpt
			return
		}
		n.Summary = strings.TrimSpace(summary)
	})
}

func baseName(path string) string {
	name := path
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}
