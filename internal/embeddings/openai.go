package embeddings

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ziadkadry99/partychat/internal/retry"
)

// OpenAIModel is an OpenAI embedding model name.
type OpenAIModel string

const (
	ModelTextEmbedding3Small OpenAIModel = "text-embedding-3-small"
	ModelTextEmbedding3Large OpenAIModel = "text-embedding-3-large"
	ModelTextEmbeddingAda002 OpenAIModel = "text-embedding-ada-002"
)

// dimensions is 0 for models whose size is not known up front.
func (m OpenAIModel) dimensions() int {
	switch m {
	case ModelTextEmbedding3Small, ModelTextEmbeddingAda002:
		return 1536
	case ModelTextEmbedding3Large:
		return 3072
	}
	return 0
}

// OpenAIEmbedder embeds query text with the OpenAI embeddings API. Batches
// are retried on rate limits and server errors.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     OpenAIModel
	batchSize int
	policy    retry.Policy
}

// NewOpenAIEmbedder creates an embedder for model.
func NewOpenAIEmbedder(apiKey string, model OpenAIModel, opts Options) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	e := &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		batchSize: opts.batchSize(),
	}
	e.policy = opts.policy(e.Name())
	return e
}

func (e *OpenAIEmbedder) Name() string    { return "openai/" + string(e.model) }
func (e *OpenAIEmbedder) Dimensions() int { return e.model.dimensions() }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedBatches(ctx, texts, e.batchSize, e.Dimensions(), e.policy, e.Name(), e.embedBatch)
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, e.wrapError(err)
	}
	out := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, retry.Permanent(fmt.Errorf("%s returned embedding index %d for a batch of %d", e.Name(), d.Index, len(batch)))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(e.Name(), apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusError(e.Name(), reqErr.HTTPStatusCode, string(reqErr.Body))
	}
	return err
}
