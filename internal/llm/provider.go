package llm

import (
	"context"
	"io"
	"sync"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the name of this provider.
	Name() string
}

// Stream yields completion chunks in order. Recv returns io.EOF after the
// last chunk. Cancelling the context passed to Stream aborts the stream.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// StreamingProvider is a Provider that can stream completions.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req CompletionRequest) (Stream, error)
}

// OpenStream streams req from p. Providers without streaming support are
// called through Complete and yield the whole answer as one chunk.
func OpenStream(ctx context.Context, p Provider, req CompletionRequest) (Stream, error) {
	if sp, ok := p.(StreamingProvider); ok {
		return sp.Stream(ctx, req)
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewSliceStream(StreamChunk{Text: resp.Content, FinishReason: resp.FinishReason}), nil
}

// SliceStream is a Stream over a fixed list of chunks.
type SliceStream struct {
	mu     sync.Mutex
	chunks []StreamChunk
	closed bool
}

// NewSliceStream returns a stream yielding chunks in order.
func NewSliceStream(chunks ...StreamChunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Recv() (StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.chunks) == 0 {
		return StreamChunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
