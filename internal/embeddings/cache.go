package embeddings

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	chromem "github.com/philippgille/chromem-go"
)

// CachedEmbedder memoizes embeddings of recently seen texts. A question
// fanned out to several party indexes is embedded once.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps inner with an in-memory cache whose entries expire
// after ttl.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedEmbedder) Name() string    { return c.inner.Name() }
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) key(text string) string {
	return c.inner.Name() + ":" + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// Embed returns cached vectors where available and embeds the rest in one
// call to the wrapped embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		if j >= len(missingIdx) {
			break
		}
		out[missingIdx[j]] = v
		c.cache.SetDefault(c.key(missing[j]), v)
	}
	return out, nil
}

// ToChromemFunc adapts e to the single-text function chromem-go calls for
// every query. Vectors are served from the cache when e is a CachedEmbedder
// and checked against e.Dimensions() before chromem compares them.
func ToChromemFunc(e Embedder) chromem.EmbeddingFunc {
	c, ok := e.(*CachedEmbedder)
	if !ok {
		c = NewCachedEmbedder(e, 10*time.Minute)
	}
	return c.embedOne
}

func (c *CachedEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vecs, err := c.inner.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	var v []float32
	if len(vecs) > 0 {
		v = vecs[0]
	}
	if err := checkVector(c.Name(), v, c.Dimensions()); err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, v)
	return v, nil
}
