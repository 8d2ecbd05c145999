package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/renyus/prisma"
)

// embedTimeout bounds one embeddings call; a slow endpoint fails the
// retrieval branch, not the whole turn.
const embedTimeout = 30 * time.Second

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedderLogger sets a structured logger for the embedder.
func WithEmbedderLogger(l *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = l }
}

// Embedder implements prisma.EmbeddingProvider against any
// OpenAI-compatible embeddings endpoint.
type Embedder struct {
	apiKey  string
	model   string
	url     string
	client  *http.Client
	logger  *slog.Logger
}

var _ prisma.EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder creates an embeddings client. baseURL is the API base
// (e.g. "https://api.siliconflow.cn/v1"); the /embeddings path is appended
// when missing.
func NewEmbedder(apiKey, model, baseURL string, opts ...EmbedderOption) *Embedder {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, "/embeddings") {
		url += "/embeddings"
	}
	e := &Embedder{
		apiKey: apiKey,
		model:  model,
		url:    url,
		client: &http.Client{Timeout: embedTimeout},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type embedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order. The response is
// re-sorted by the returned index field before extraction.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	payload, err := json.Marshal(embedRequest{Input: texts, Model: e.model, EncodingFormat: "float"})
	if err != nil {
		return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &prisma.ErrEmbedding{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("got %d vectors for %d inputs", len(parsed.Data), len(texts))}
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) == 0 {
			return nil, &prisma.ErrEmbedding{Message: fmt.Sprintf("empty vector at index %d", d.Index)}
		}
		out[i] = d.Embedding
	}
	e.logger.Debug("embeddings fetched", "count", len(out), "duration", time.Since(start))
	return out, nil
}
