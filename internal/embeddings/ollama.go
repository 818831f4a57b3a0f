package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ziadkadry99/partychat/internal/retry"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaEmbedder embeds query text with a local Ollama instance.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	batchSize  int
	policy     retry.Policy
	httpClient *http.Client
}

// NewOllamaEmbedder creates an embedder for model producing vectors of the
// given size. opts.BaseURL defaults to http://localhost:11434.
func NewOllamaEmbedder(model string, dimensions int, opts Options) *OllamaEmbedder {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	e := &OllamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		batchSize:  opts.batchSize(),
		httpClient: &http.Client{},
	}
	e.policy = opts.policy(e.Name())
	return e
}

func (e *OllamaEmbedder) Name() string    { return "ollama/" + e.model }
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedBatches(ctx, texts, e.batchSize, e.dimensions, e.policy, e.Name(), e.embedBatch)
}

// embedBatch sends one /api/embed call.
func (e *OllamaEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(e.Name(), resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode ollama response: %w", err))
	}
	return result.Embeddings, nil
}
