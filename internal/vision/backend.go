package vision

import "context"

// Request is one call to a multimodal model.
type Request struct {
	Model  string
	Prompt string
	// Images are PNG bytes in the order the prompt refers to them.
	Images  [][]byte
	Options Options
}

// Options tune generation. Zero values leave the backend default.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Backend sends a request to a model and returns its raw text reply.
// Implementations classify failures with NewTransientError or NewFatalError;
// unclassified errors are treated as transient.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}
