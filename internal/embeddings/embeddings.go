// Package embeddings abstracts embedding providers for the semantic
// index. The OpenAI provider is the production path; Noop keeps the
// index functional (text search only) when no provider is configured.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/halohq/halo/internal/retry"

	. "github.com/halohq/halo/internal/logging"
)

// Provider computes embeddings for queries and document batches.
type Provider interface {
	// ID identifies the provider ("openai", "noop").
	ID() string
	// Model is the embedding model name used for cache keys.
	Model() string
	// Dimensions is the embedding vector size, 0 when unknown.
	Dimensions() int
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds a batch of documents in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Available reports whether the provider can serve requests.
	Available() bool
}

// NoopProvider returns no embeddings. Vector search degrades to text
// search while everything else keeps working.
type NoopProvider struct{}

func (NoopProvider) ID() string      { return "noop" }
func (NoopProvider) Model() string   { return "none" }
func (NoopProvider) Dimensions() int { return 0 }
func (NoopProvider) Available() bool { return false }

func (NoopProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

// OpenAIProvider embeds via the OpenAI embeddings API with retries.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
	retry      retry.Config
}

// NewOpenAIProvider builds a provider for the given model. An empty
// model defaults to text-embedding-3-small.
func NewOpenAIProvider(client *openai.Client, model string) *OpenAIProvider {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	dims := 1536
	if model == string(openai.LargeEmbedding3) {
		dims = 3072
	}
	return &OpenAIProvider{
		client:     client,
		model:      model,
		dimensions: dims,
		retry:      retry.DefaultConfig(),
	}
}

func (p *OpenAIProvider) ID() string      { return "openai" }
func (p *OpenAIProvider) Model() string   { return p.model }
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }
func (p *OpenAIProvider) Available() bool { return p.client != nil }

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if p.client == nil {
		return nil, fmt.Errorf("embeddings: no openai client configured")
	}

	var resp openai.EmbeddingResponse
	err := retry.Do(ctx, p.retry, func() error {
		var callErr error
		resp, callErr = p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.model),
		})
		return classify(callErr)
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(texts), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed batch: response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	L_trace("embedded batch", "count", len(texts), "model", p.model)
	return out, nil
}

// classify maps API errors onto the retry classifier's status codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Error()}
	}
	return err
}
