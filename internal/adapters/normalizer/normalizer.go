// Package normalizer deterministically cleans marked-up OCR text.
// Clean Architecture: Adapter implementing ports.Normalizer. Same input
// always yields the same output, so the stage is safe to re-run.
package normalizer

import (
	"regexp"
	"strings"
)

var (
	pageSplitRe  = regexp.MustCompile(`(?m)^##\s+Page\s+\d+`)
	pageNumberRe = regexp.MustCompile(`(?im)^\s*P[aá]g(?:ina|\.)?\.?\s*\d+\s*(?:de|of|/)?\s*\d*\s*$`)
	dashNumberRe = regexp.MustCompile(`(?m)^\s*-\s*\d+\s*-\s*$`)
	fractionRe   = regexp.MustCompile(`(?m)^\s*\d+\s*/\s*\d+\s*$`)
	urlLineRe    = regexp.MustCompile(`(?m)^\s*https?://\S+\s*$`)
	noiseLineRe  = regexp.MustCompile(`(?m)^[^\p{L}\p{N}\n]+$`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// Cleaner scrubs OCR artifacts from legal-document markdown.
type Cleaner struct {
	// RecurringThreshold is the fraction of pages a line must appear on
	// to count as a running header or footer.
	RecurringThreshold float64
}

// NewCleaner creates a cleaner with the default threshold.
func NewCleaner() *Cleaner {
	return &Cleaner{RecurringThreshold: 0.4}
}

// Clean applies the full normalization pass:
// line-ending normalization, recurring header/footer removal, page-number
// and URL scrubbing, noise-line removal, whitespace collapse.
func (c *Cleaner) Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	pages := splitPages(text)
	if len(pages) >= 3 {
		if recurring := c.detectRecurringLines(pages); len(recurring) > 0 {
			text = removeLines(text, recurring)
		}
	}

	text = pageNumberRe.ReplaceAllString(text, "")
	text = dashNumberRe.ReplaceAllString(text, "")
	text = fractionRe.ReplaceAllString(text, "")
	text = urlLineRe.ReplaceAllString(text, "")
	text = noiseLineRe.ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// splitPages cuts OCR markdown into per-page chunks at "## Page N" markers.
func splitPages(text string) []string {
	parts := pageSplitRe.Split(text, -1)
	var pages []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

// detectRecurringLines finds lines that repeat across enough pages to be
// running headers or footers. Short lines are ignored so common words do
// not get stripped from body text.
func (c *Cleaner) detectRecurringLines(pages []string) map[string]bool {
	counts := make(map[string]int)
	for _, page := range pages {
		seen := make(map[string]bool)
		for _, line := range strings.Split(page, "\n") {
			line = strings.TrimSpace(line)
			if len(line) >= 4 {
				seen[line] = true
			}
		}
		for line := range seen {
			counts[line]++
		}
	}

	minPages := int(float64(len(pages)) * c.RecurringThreshold)
	if minPages < 2 {
		minPages = 2
	}
	recurring := make(map[string]bool)
	for line, n := range counts {
		if n >= minPages {
			recurring[line] = true
		}
	}
	return recurring
}

func removeLines(text string, drop map[string]bool) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !drop[strings.TrimSpace(line)] {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
