// Package extract implements the second stage of the parsing funnel: a
// schema-constrained model extraction for messages no deterministic rule
// matched. The model is never asked to summarize freely or invent fields;
// output that fails schema validation makes the whole extraction
// Unresolved rather than producing a partially guessed record.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/logsift/internal/types"
	"github.com/user/logsift/pkg/llm"
)

// ErrUnresolved marks an extraction whose output was rejected: invalid
// JSON, a schema violation, or an enum miss. Callers must treat the event
// as unresolved, never substitute defaults. Transport failures are not
// wrapped in it; they surface as-is so callers can retry them.
var ErrUnresolved = errors.New("extraction unresolved")

const systemPrompt = "You are a log parsing engine. Extract structured data from the raw " +
	"log entry into the provided schema. Do not invent any information that is not present " +
	"in the log. Do not produce narrative or explanatory text. Categorize the event type " +
	"accurately based on the provider and content; use \"unknown\" when the category is unclear."

// Extractor converts unmatched raw messages into structured records via a
// single constrained model call per invocation.
type Extractor struct {
	provider     llm.Provider
	encoding     *tiktoken.Tiktoken
	promptBudget int
}

// New creates an Extractor. model selects the tokenizer used for prompt
// budgeting; promptBudget caps the tokens spent on the raw message (0 means
// a 2048-token default).
func New(provider llm.Provider, model string, promptBudget int) (*Extractor, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model names fall back to the common encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}
	if promptBudget <= 0 {
		promptBudget = 2048
	}
	return &Extractor{
		provider:     provider,
		encoding:     enc,
		promptBudget: promptBudget,
	}, nil
}

// Extract sends the message plus the record schema to the model service and
// validates the response. Exactly one outbound call is made per invocation;
// retry budgeting belongs to the caller.
func (e *Extractor) Extract(ctx context.Context, provider, message string) (*types.StructuredRecord, error) {
	truncated := e.truncate(message)

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Provider: %s\n\nLog entry: %s", provider, truncated)},
	}
	format := &llm.ResponseFormat{
		Name:   "activity_record",
		Strict: true,
		Schema: json.RawMessage(recordSchema),
	}

	resp, err := e.provider.Complete(ctx, messages, format)
	if err != nil {
		// A failed call surfaces unwrapped so the caller's retry policy can
		// tell a transient outage from a rejection verdict.
		return nil, fmt.Errorf("model call: %w", err)
	}

	rec, err := decodeAndValidate(resp.Content)
	if err != nil {
		slog.Warn("model output rejected", "provider", provider, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	return rec, nil
}

// truncate trims the message to the prompt token budget so oversized log
// entries cannot blow up the request.
func (e *Extractor) truncate(message string) string {
	tokens := e.encoding.Encode(message, nil, nil)
	if len(tokens) <= e.promptBudget {
		return message
	}
	return e.encoding.Decode(tokens[:e.promptBudget])
}
