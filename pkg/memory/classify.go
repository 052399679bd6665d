package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

// Kind is the relation a classifier assigns between a new entry and an
// existing one.
type Kind string

const (
	KindNew     Kind = "NEW"
	KindUpdates Kind = "UPDATES"
	KindExtends Kind = "EXTENDS"
)

// Classification is the parsed verdict of the classifier.
type Classification struct {
	Kind       Kind
	Confidence float64
}

// ParseClassification reads a model verdict. Anything that is not a
// recognizable NEW/UPDATES/EXTENDS answer is treated as NEW.
func ParseClassification(content string) Classification {
	if r, ok := llm.ExtractJSON(content); ok && r.IsObject() {
		var label string
		for _, key := range []string{"relation", "classification", "type", "kind"} {
			if v := r.Get(key); v.Exists() {
				label = v.String()
				break
			}
		}
		kind, ok := parseKind(label)
		if !ok {
			return Classification{Kind: KindNew}
		}
		conf := 0.8
		if c := r.Get("confidence"); c.Exists() {
			conf = c.Float()
		}
		if conf <= 0 || conf > 1 {
			conf = 0.8
		}
		return Classification{Kind: kind, Confidence: conf}
	}

	if kind, ok := parseKind(strings.Trim(strings.TrimSpace(content), ".\"'`")); ok {
		return Classification{Kind: kind, Confidence: 0.7}
	}
	return Classification{Kind: KindNew}
}

func parseKind(s string) (Kind, bool) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindNew:
		return KindNew, true
	case KindUpdates:
		return KindUpdates, true
	case KindExtends:
		return KindExtends, true
	}
	return "", false
}

const classifySystem = `You maintain a memory of facts about a user. Given an EXISTING memory and a NEW memory, decide how they relate:
- UPDATES: the new memory replaces the existing one (the fact changed, e.g. moved city, new job).
- EXTENDS: the new memory adds detail to the existing one without contradicting it.
- NEW: they are about different things.
Respond with JSON only: {"relation": "UPDATES|EXTENDS|NEW", "confidence": 0.0-1.0}`

// Classifier asks a completion provider how two entries relate.
type Classifier struct {
	provider llm.Provider
}

// NewClassifier returns nil when provider is nil.
func NewClassifier(provider llm.Provider) *Classifier {
	if provider == nil {
		return nil
	}
	return &Classifier{provider: provider}
}

// Classify returns the relation of newer to older. Provider failures are
// returned; malformed output is not an error and classifies as NEW.
func (c *Classifier) Classify(ctx context.Context, newer, older *store.MemoryEntry) (Classification, error) {
	prompt := fmt.Sprintf("EXISTING (%s, %s): %s\nNEW (%s, %s): %s",
		older.Category, older.DocumentDate.Format("2006-01-02"), older.Content,
		newer.Category, newer.DocumentDate.Format("2006-01-02"), newer.Content)

	resp, err := c.provider.Complete(ctx, llm.Prompt(classifySystem, prompt, 100))
	if err != nil {
		return Classification{Kind: KindNew}, fmt.Errorf("classify: %w", err)
	}
	return ParseClassification(resp.Content), nil
}
