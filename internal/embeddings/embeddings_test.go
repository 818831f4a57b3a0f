package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/partychat/internal/llm"
)

type countingEmbedder struct {
	calls atomic.Int32
	texts atomic.Int32
	err   error
}

func (c *countingEmbedder) Name() string    { return "counting" }
func (c *countingEmbedder) Dimensions() int { return 2 }

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	c.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func TestCachedEmbedderReusesVectors(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, time.Minute)

	first, err := c.Embed(t.Context(), []string{"rent caps", "climate"})
	require.NoError(t, err)

	second, err := c.Embed(t.Context(), []string{"climate", "pensions"})
	require.NoError(t, err)

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, []float32{8, 1}, second[1])
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.EqualValues(t, 3, inner.texts.Load())

	_, err = c.Embed(t.Context(), []string{"rent caps"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())
}

func TestCachedEmbedderPropagatesErrors(t *testing.T) {
	c := NewCachedEmbedder(&countingEmbedder{err: errors.New("down")}, time.Minute)
	_, err := c.Embed(t.Context(), []string{"x"})
	assert.Error(t, err)
}

func TestToChromemFuncRejectsEmpty(t *testing.T) {
	f := ToChromemFunc(emptyEmbedder{})
	_, err := f(t.Context(), "x")
	assert.Error(t, err)
}

type emptyEmbedder struct{}

func (emptyEmbedder) Name() string    { return "empty" }
func (emptyEmbedder) Dimensions() int { return 0 }
func (emptyEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func TestNewRequiresKeyForOpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New("openai", "", DefaultOptions())
	assert.Error(t, err)

	_, err = New("bogus", "", DefaultOptions())
	assert.Error(t, err)

	e, err := New("ollama", "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "ollama/nomic-embed-text", e.Name())
	assert.Equal(t, 768, e.Dimensions())

	e, err = New("ollama", "custom-embedder:latest", DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, e.Dimensions())
}

func TestToChromemFuncUsesCache(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, time.Minute)
	_, err := c.Embed(t.Context(), []string{"rent caps"})
	require.NoError(t, err)

	f := ToChromemFunc(c)
	v, err := f(t.Context(), "rent caps")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 1}, v)
	assert.EqualValues(t, 1, inner.calls.Load())

	_, err = f(t.Context(), "climate")
	require.NoError(t, err)
	_, err = c.Embed(t.Context(), []string{"climate"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())
}

type shortEmbedder struct{ countingEmbedder }

func (*shortEmbedder) Dimensions() int { return 3 }

func TestToChromemFuncChecksDimensions(t *testing.T) {
	f := ToChromemFunc(&shortEmbedder{})
	_, err := f(t.Context(), "x")
	assert.ErrorIs(t, err, ErrDimensions)
}

// embeddingsServer fakes the OpenAI embeddings endpoint. Each vector holds
// the length of its input text. statuses are returned, in order, before
// requests start to succeed.
type embeddingsServer struct {
	*httptest.Server
	calls    atomic.Int32
	batches  [][]string
	mu       sync.Mutex
	statuses []int
	dims     int
}

func newEmbeddingsServer(t *testing.T, statuses ...int) *embeddingsServer {
	t.Helper()
	s := &embeddingsServer{statuses: statuses, dims: 1}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *embeddingsServer) handle(w http.ResponseWriter, r *http.Request) {
	n := int(s.calls.Add(1))
	if r.URL.Path != "/v1/embeddings" {
		http.NotFound(w, r)
		return
	}
	if n <= len(s.statuses) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.statuses[n-1])
		fmt.Fprintf(w, `{"error":{"message":"status %d","type":"test"}}`, s.statuses[n-1])
		return
	}

	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.batches = append(s.batches, req.Input)
	s.mu.Unlock()

	type item struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	var data []item
	// Reverse order: clients must place vectors by index.
	for i := len(req.Input) - 1; i >= 0; i-- {
		vec := make([]float32, s.dims)
		vec[0] = float32(len(req.Input[i]))
		data = append(data, item{Object: "embedding", Embedding: vec, Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
}

func testOpenAI(srv *embeddingsServer, model OpenAIModel, batch int) *OpenAIEmbedder {
	return NewOpenAIEmbedder("test-key", model, Options{
		BatchSize:      batch,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		BaseURL:        srv.URL + "/v1",
	})
}

func TestOpenAIEmbedderBatches(t *testing.T) {
	srv := newEmbeddingsServer(t)
	e := testOpenAI(srv, "test-model", 2)

	vecs, err := e.Embed(t.Context(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, []float32{float32(i + 1)}, v)
	}
	assert.EqualValues(t, 3, srv.calls.Load())
	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc", "dddd"}, {"eeeee"}}, srv.batches)
}

func TestOpenAIEmbedderRetriesRateLimits(t *testing.T) {
	srv := newEmbeddingsServer(t, http.StatusTooManyRequests, http.StatusBadGateway)
	e := testOpenAI(srv, "test-model", 0)

	vecs, err := e.Embed(t.Context(), []string{"rent caps"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{9}}, vecs)
	assert.EqualValues(t, 3, srv.calls.Load())
}

func TestOpenAIEmbedderDoesNotRetryBadRequest(t *testing.T) {
	srv := newEmbeddingsServer(t, http.StatusBadRequest)
	e := testOpenAI(srv, "test-model", 0)

	_, err := e.Embed(t.Context(), []string{"rent caps"})
	var se *llm.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "openai/test-model", se.Provider)
	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestOpenAIEmbedderGivesUpAfterRetries(t *testing.T) {
	srv := newEmbeddingsServer(t, 500, 500, 500, 500)
	e := testOpenAI(srv, "test-model", 0)

	_, err := e.Embed(t.Context(), []string{"x"})
	var se *llm.StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
	assert.EqualValues(t, 3, srv.calls.Load())
}

func TestOpenAIEmbedderChecksDimensions(t *testing.T) {
	srv := newEmbeddingsServer(t)
	srv.dims = 3
	e := testOpenAI(srv, ModelTextEmbedding3Small, 0)

	_, err := e.Embed(t.Context(), []string{"x"})
	assert.ErrorIs(t, err, ErrDimensions)
}

func TestOllamaEmbedderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := ollamaEmbedResponse{}
		for range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{1, 0})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)

	e := NewOllamaEmbedder("tiny", 2, Options{MaxRetries: 1, InitialBackoff: time.Millisecond, BaseURL: srv.URL + "/"})
	vecs, err := e.Embed(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.EqualValues(t, 2, calls.Load())
}
