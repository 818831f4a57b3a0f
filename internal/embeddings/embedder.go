// Package embeddings turns text into vectors for the per-party indexes.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/retry"
)

// Embedder defines the interface for generating text embeddings.
type Embedder interface {
	// Embed generates embeddings for one or more texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the number of dimensions in the embedding vectors,
	// or 0 if unknown.
	Dimensions() int

	// Name returns the name/identifier of the embedding model.
	Name() string
}

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 100

// Options tune the remote embedders.
type Options struct {
	// BatchSize caps the texts per request; 0 means DefaultBatchSize.
	BatchSize int
	// MaxRetries bounds retries of a failed batch on rate limits, server
	// errors and network failures.
	MaxRetries     int
	InitialBackoff time.Duration
	// BaseURL overrides the provider endpoint.
	BaseURL string
	Logger  *zap.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{BatchSize: DefaultBatchSize, MaxRetries: 2, InitialBackoff: 250 * time.Millisecond}
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) policy(name string) retry.Policy {
	p := retry.DefaultPolicy(o.MaxRetries, o.InitialBackoff)
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Debug("retrying embedding request",
			zap.String("embedder", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return p
}

// ollamaDimensions lists the vector sizes of common Ollama embedding models.
var ollamaDimensions = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// New creates the embedder for provider ("openai" or "ollama") and model.
// Indexes must be queried with the same model they were built with.
func New(provider, model string, opts Options) (Embedder, error) {
	switch provider {
	case "openai", "":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set (required for embeddings)")
		}
		if model == "" {
			model = string(ModelTextEmbedding3Small)
		}
		return NewOpenAIEmbedder(apiKey, OpenAIModel(model), opts), nil
	case "ollama":
		if model == "" {
			model = "nomic-embed-text"
		}
		if opts.BaseURL == "" {
			opts.BaseURL = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaEmbedder(model, ollamaDimensions[strings.SplitN(model, ":", 2)[0]], opts), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

// embedBatches splits texts into batches of size n, embeds each under
// policy and checks that every vector came back with the expected length.
func embedBatches(ctx context.Context, texts []string, n, dims int, policy retry.Policy, name string,
	call func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += n {
		batch := texts[start:min(start+n, len(texts))]
		vecs, err := retry.Do(ctx, policy, func(ctx context.Context) ([][]float32, error) {
			return call(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("%s: embedding texts %d-%d: %w", name, start, start+len(batch)-1, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%s returned %d embeddings, expected %d", name, len(vecs), len(batch))
		}
		for i, v := range vecs {
			if err := checkVector(name, v, dims); err != nil {
				return nil, fmt.Errorf("text %d: %w", start+i, err)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// ErrDimensions reports a vector whose length does not match the model.
var ErrDimensions = errors.New("embedding has unexpected dimensions")

func checkVector(name string, v []float32, dims int) error {
	if len(v) == 0 {
		return fmt.Errorf("%s returned no embedding", name)
	}
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%s: %w: got %d, want %d", name, ErrDimensions, len(v), dims)
	}
	return nil
}

// statusError classifies a non-2xx embedding response so retry.Transient
// retries only rate limits and server errors.
func statusError(name string, code int, body string) error {
	return &llm.StatusError{Provider: name, StatusCode: code, Body: body}
}
