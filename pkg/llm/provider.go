package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full
	// response. When format is non-nil the provider asks the backend to
	// emit output conforming to the given JSON schema; callers must still
	// validate the result before accepting it.
	Complete(ctx context.Context, messages []Message, format *ResponseFormat) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
