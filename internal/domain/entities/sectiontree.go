// Package entities - sectiontree.go models the hierarchical section index
// of a document and the line-boundary arithmetic over it.
package entities

import "sort"

// SectionNode is one node of a document's hierarchical section tree.
// StartLine is 1-based and points into the normalized markdown file.
type SectionNode struct {
	NodeID    string         `json:"node_id"`
	Title     string         `json:"title"`
	Summary   string         `json:"summary,omitempty"`
	StartLine int            `json:"line_num"`
	Children  []*SectionNode `json:"nodes,omitempty"`
}

// SectionTree is the persisted section index for one document.
type SectionTree struct {
	DocID   int64          `json:"doc_id"`
	DocName string         `json:"doc_name"`
	Roots   []*SectionNode `json:"structure"`
}

// Walk visits every node of the tree in depth-first order.
func (t *SectionTree) Walk(fn func(*SectionNode)) {
	var visit func(nodes []*SectionNode)
	visit = func(nodes []*SectionNode) {
		for _, n := range nodes {
			fn(n)
			visit(n.Children)
		}
	}
	visit(t.Roots)
}

// Lookup returns the node with the given id, or nil.
func (t *SectionTree) Lookup(nodeID string) *SectionNode {
	var found *SectionNode
	t.Walk(func(n *SectionNode) {
		if found == nil && n.NodeID == nodeID {
			found = n
		}
	})
	return found
}

// StartLines returns the sorted start lines of every node in the tree.
// Duplicates are kept; boundary inference only cares about strict order.
func (t *SectionTree) StartLines() []int {
	var starts []int
	t.Walk(func(n *SectionNode) {
		if n.StartLine > 0 {
			starts = append(starts, n.StartLine)
		}
	})
	sort.Ints(starts)
	return starts
}

// Extent computes the half-open line range [start, end) covered by a node.
// A node's content runs from its start line to the next strictly greater
// start line anywhere in the tree, not just among its siblings or subtree.
// totalLines bounds the last section; maxLines caps any single section so a
// sparse tree cannot blow up the context payload.
func (t *SectionTree) Extent(node *SectionNode, totalLines, maxLines int) (start, end int) {
	start = node.StartLine
	end = totalLines + 1
	for _, s := range t.StartLines() {
		if s > node.StartLine {
			end = s
			break
		}
	}
	if end > totalLines+1 {
		end = totalLines + 1
	}
	if maxLines > 0 && end-start > maxLines {
		end = start + maxLines
	}
	return start, end
}

// Pruned returns a copy of the tree with summaries and titles only, no body
// text, suitable for presenting to a language model as a table of contents.
func (t *SectionTree) Pruned() []*SectionNode {
	var prune func(nodes []*SectionNode) []*SectionNode
	prune = func(nodes []*SectionNode) []*SectionNode {
		out := make([]*SectionNode, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, &SectionNode{
				NodeID:   n.NodeID,
				Title:    n.Title,
				Summary:  n.Summary,
				Children: prune(n.Children),
			})
		}
		return out
	}
	return prune(t.Roots)
}
