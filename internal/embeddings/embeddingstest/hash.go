// Package embeddingstest provides a deterministic embedder for tests.
package embeddingstest

import (
	"context"
	"math"
	"strings"
)

// HashEmbedder maps each word to a bucket of a fixed-size vector. Texts
// sharing words are close; the result is normalized.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Name() string { return "hash" }

func (h HashEmbedder) Dimensions() int {
	if h.Dims == 0 {
		return 256
	}
	return h.Dims
}

func (h HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h HashEmbedder) vector(text string) []float32 {
	dims := h.Dimensions()
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		var sum uint32 = 2166136261
		for _, c := range word {
			sum ^= uint32(c)
			sum *= 16777619
		}
		vec[sum%uint32(dims)]++
	}
	vec[0] += 0.01

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
