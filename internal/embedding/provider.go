package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Provider computes embedding vectors for a batch of inputs.
type Provider interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIProvider implements Provider against the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIProvider creates a provider for the given model and dimension.
// baseURL may be empty to use the public API endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string, dim int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding provider: api key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
		dim:    dim,
	}, nil
}

// Embed requests embeddings for all inputs in a single API call.
func (p *OpenAIProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      inputs,
		Model:      p.model,
		Dimensions: p.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// classifyProviderError splits provider failures into "dependency
// unavailable" (bad or missing credentials, the provider cannot work at all)
// and transient errors (network, throttling, server-side). The distinction
// only affects logging; both degrade to the fallback vector.
func classifyProviderError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return "dependency_unavailable"
		}
	}
	return "transient_provider_error"
}
