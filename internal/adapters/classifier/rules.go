// Package classifier provides the rule-based document classifier.
// Clean Architecture: Adapter implementing ports.Classifier. Rules live in
// an operator-editable YAML file and are hot-reloaded on mtime change, so
// a running pipeline picks up taxonomy edits without a restart.
package classifier

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// Signal is one weighted text marker inside a rule.
type Signal struct {
	Text     string  `yaml:"text"`
	Location string  `yaml:"location"` // header, footer, first_pages, anywhere
	Weight   float64 `yaml:"weight"`
}

// Rule scores a document type.
type Rule struct {
	Type            string   `yaml:"type"`
	Tags            []string `yaml:"tags"`
	StrongSignals   []Signal `yaml:"strong_signals"`
	ReviewThreshold float64  `yaml:"review_threshold"`
}

const (
	unclassified     = "unclassified"
	defaultThreshold = 0.7

	headerLines     = 50
	footerLines     = 50
	firstPagesLines = 300
)

// RuleClassifier scores normalized text against the loaded rule set.
type RuleClassifier struct {
	rulesPath string
	log       *slog.Logger

	mu    sync.Mutex
	rules []Rule
	mtime time.Time
}

// NewRuleClassifier loads rules from rulesPath. A missing file is not an
// error: everything classifies as unclassified until rules appear.
func NewRuleClassifier(rulesPath string, log *slog.Logger) *RuleClassifier {
	if log == nil {
		log = slog.Default()
	}
	c := &RuleClassifier{rulesPath: rulesPath, log: log}
	c.loadRules()
	return c
}

func (c *RuleClassifier) loadRules() {
	info, err := os.Stat(c.rulesPath)
	if err != nil {
		c.log.Warn("rules file not found", "path", c.rulesPath)
		c.rules = nil
		return
	}

	data, err := os.ReadFile(c.rulesPath)
	if err != nil {
		c.log.Error("failed to read rules", "path", c.rulesPath, "error", err)
		return
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		c.log.Error("failed to parse rules", "path", c.rulesPath, "error", err)
		return
	}
	c.rules = rules
	c.mtime = info.ModTime()
	c.log.Debug("loaded classification rules", "count", len(rules))
}

// maybeReload re-reads the rules file if it changed since the last load.
func (c *RuleClassifier) maybeReload() {
	info, err := os.Stat(c.rulesPath)
	if err != nil {
		return
	}
	if info.ModTime().After(c.mtime) {
		c.log.Info("rules file changed, hot-reloading", "path", c.rulesPath)
		c.loadRules()
	}
}

// Classify scores the text against every rule and extracts entities.
func (c *RuleClassifier) Classify(ctx context.Context, text string) (*entities.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.maybeReload()
	rules := c.rules
	c.mu.Unlock()

	lower := strings.ToLower(text)
	lines := strings.Split(lower, "\n")
	header := joinRegion(lines, 0, headerLines)
	footer := joinRegion(lines, len(lines)-footerLines, len(lines))
	firstPages := joinRegion(lines, 0, firstPagesLines)

	bestType := unclassified
	bestScore := 0.0
	var bestTags []string
	threshold := defaultThreshold

	for _, rule := range rules {
		score := 0.0
		for _, sig := range rule.StrongSignals {
			pattern := strings.ToLower(sig.Text)
			weight := sig.Weight
			if weight == 0 {
				weight = 0.1
			}

			var found bool
			switch sig.Location {
			case "header":
				found = strings.Contains(header, pattern)
			case "footer":
				found = strings.Contains(footer, pattern)
			case "first_pages":
				found = strings.Contains(firstPages, pattern)
			default:
				found = strings.Contains(lower, pattern)
			}
			if found {
				score += weight
			}
		}
		if score > 1.0 {
			score = 1.0
		}
		if score > bestScore {
			bestScore = score
			bestType = rule.Type
			bestTags = rule.Tags
			threshold = rule.ReviewThreshold
			if threshold == 0 {
				threshold = defaultThreshold
			}
		}
	}

	requiresReview := bestType == unclassified || bestScore < threshold

	return &entities.Classification{
		Type:           bestType,
		Confidence:     bestScore,
		Tags:           bestTags,
		RequiresReview: requiresReview,
		Entities:       ExtractEntities(text),
	}, nil
}

// RuleCount reports how many rules are currently loaded.
func (c *RuleClassifier) RuleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rules)
}

func joinRegion(lines []string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from >= to {
		return ""
	}
	return strings.Join(lines[from:to], "\n")
}
