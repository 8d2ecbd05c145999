package prisma

import (
	"errors"
	"fmt"
)

// ErrVectorUnavailable is returned (or logged) when the vector store was
// constructed without an embedding API key. Vector operations no-op and
// keyword paths still work.
var ErrVectorUnavailable = errors.New("vector store unavailable: no embedding API key configured")

// ErrBadRequest is a caller-input validation failure (HTTP 400).
type ErrBadRequest struct {
	Field  string
	Reason string
}

func (e *ErrBadRequest) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrLLM is a chat-completion failure from the upstream provider (HTTP 500
// to the caller; the turn is not persisted).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-200 upstream status and body.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrEmbedding is a non-200 or malformed response from the embeddings
// endpoint. Retrieval degrades to keyword-only and the turn continues.
type ErrEmbedding struct {
	Message string
}

func (e *ErrEmbedding) Error() string {
	return "embedding: " + e.Message
}

// ErrAtomicity reports a vector write failing after the SQL insert; the SQL
// row has been rolled back.
type ErrAtomicity struct {
	ID  string
	Err error
}

func (e *ErrAtomicity) Error() string {
	return fmt.Sprintf("memory %s: vector write failed, sql row rolled back: %v", e.ID, e.Err)
}

func (e *ErrAtomicity) Unwrap() error { return e.Err }
