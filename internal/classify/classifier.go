// Package classify turns structured records into topic links. The record
// description is a fixed template over record fields, never model-generated
// text, so identical records always produce identical embeddings.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/logsift/internal/types"
	"github.com/user/logsift/pkg/embedding"
	"github.com/user/logsift/pkg/llm"
)

// TopicSearcher is the nearest-match surface of the topic store.
type TopicSearcher interface {
	Nearest(vec embedding.Vector) (types.TopicID, float64, bool)
}

// Classifier scores records against the topic vocabulary.
type Classifier struct {
	topics    TopicSearcher
	embedder  embedding.Embedder
	namer     llm.Provider // optional, low-risk advisory only
	threshold float64
}

// New creates a Classifier. threshold is inclusive on the match side: a
// score exactly at threshold classifies as matched. namer may be nil; name
// suggestion then degrades to empty suggestions.
func New(topics TopicSearcher, embedder embedding.Embedder, namer llm.Provider, threshold float64) *Classifier {
	return &Classifier{
		topics:    topics,
		embedder:  embedder,
		namer:     namer,
		threshold: threshold,
	}
}

// Describe builds the factual description string for a record: non-empty
// fields concatenated in a fixed order with fixed labels. Returns "" when
// the record has no describable content.
func Describe(rec *types.StructuredRecord) string {
	if rec == nil {
		return ""
	}
	if rec.EventType == "" && rec.Summary == "" && rec.AppName == "" && rec.FilePath == "" && rec.Status == "" {
		return ""
	}
	var b strings.Builder
	eventType := string(rec.EventType)
	if eventType == "" {
		eventType = "Unknown"
	}
	summary := rec.Summary
	if summary == "" {
		summary = "No summary"
	}
	fmt.Fprintf(&b, "Event Type: %s, Summary: %s", eventType, summary)
	if rec.AppName != "" {
		fmt.Fprintf(&b, ", App: %s", rec.AppName)
	}
	if rec.FilePath != "" {
		fmt.Fprintf(&b, ", Path: %s", rec.FilePath)
	}
	if rec.Status != "" {
		fmt.Fprintf(&b, ", Status: %s", rec.Status)
	}
	return b.String()
}

// Classify embeds the record's description and queries the topic store.
// Decision rule: empty store or best score strictly below threshold yields
// new_candidate; a score at or above threshold yields matched. A record
// with no describable content is unresolved and costs no embedding call.
func (c *Classifier) Classify(ctx context.Context, rec *types.StructuredRecord) (*types.ClassificationResult, error) {
	desc := Describe(rec)
	if desc == "" {
		return &types.ClassificationResult{Decision: types.DecisionUnresolved}, nil
	}

	vec, err := c.embedder.Embed(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("embed description: %w", err)
	}

	id, score, ok := c.topics.Nearest(vec)
	if !ok || score < c.threshold {
		return &types.ClassificationResult{
			Decision:    types.DecisionNewCandidate,
			Score:       score,
			Description: desc,
		}, nil
	}
	return &types.ClassificationResult{
		Decision:    types.DecisionMatched,
		TopicID:     id,
		Score:       score,
		Description: desc,
	}, nil
}

// SuggestName asks the model for a short topic name for a candidate
// description. Naming is creative and low-blast-radius, so the call is
// unconstrained and failures degrade to an empty suggestion rather than an
// error.
func (c *Classifier) SuggestName(ctx context.Context, description string) string {
	if c.namer == nil {
		return ""
	}
	resp, err := c.namer.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You name event-log topics. Reply with a short snake_case topic name (at most three words) and nothing else."},
		{Role: "user", Content: "Suggest a topic name for events like: " + description},
	}, nil)
	if err != nil {
		slog.Warn("topic name suggestion failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
