package prisma

import "context"

// Provider abstracts a chat-completion backend. Implementations live in
// provider/ subpackages; observer wraps them with instrumentation.
type Provider interface {
	// Name identifies the provider for logs and error messages.
	Name() string
	// Chat sends a non-streaming request and returns the parsed response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingProvider turns texts into vectors. The request preserves input
// order; implementations re-sort the response by the returned index field.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
