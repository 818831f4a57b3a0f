// Package llmtest provides scripted LLM backends for tests.
package llmtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ziadkadry99/partychat/internal/llm"
)

// Step is one scripted stream chunk. When Err is set the stream fails at
// this point instead of yielding Chunk.
type Step struct {
	Chunk llm.StreamChunk
	Err   error
	// Delay is waited before the step is delivered. The wait observes the
	// stream context.
	Delay time.Duration
}

// Attempt scripts one call to Stream or Complete.
type Attempt struct {
	// OpenErr fails the call before any chunk is produced.
	OpenErr error
	Steps   []Step
	// Hold blocks after the last step until the stream context is done.
	Hold bool
}

// Text builds an attempt that streams the given chunks.
func Text(chunks ...string) Attempt {
	a := Attempt{}
	for _, c := range chunks {
		a.Steps = append(a.Steps, Step{Chunk: llm.StreamChunk{Text: c}})
	}
	return a
}

// Provider replays attempts in order. The last attempt is repeated when the
// script runs out.
type Provider struct {
	mu       sync.Mutex
	attempts []Attempt
	requests []llm.CompletionRequest
	closed   int
}

// New returns a provider replaying attempts.
func New(attempts ...Attempt) *Provider {
	return &Provider{attempts: attempts}
}

func (p *Provider) Name() string { return "scripted" }

// Requests returns the requests received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}

// Calls returns the number of calls received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Closed returns the number of streams closed by the caller.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) next(req llm.CompletionRequest) Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.attempts) == 0 {
		return Attempt{}
	}
	i := len(p.requests) - 1
	if i >= len(p.attempts) {
		i = len(p.attempts) - 1
	}
	return p.attempts[i]
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	a := p.next(req)
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	var content string
	for _, s := range a.Steps {
		if s.Err != nil {
			return nil, s.Err
		}
		content += s.Chunk.Text
	}
	return &llm.CompletionResponse{Content: content, Model: "scripted", FinishReason: "stop"}, nil
}

func (p *Provider) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	a := p.next(req)
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	return &stream{ctx: ctx, attempt: a, owner: p}, nil
}

type stream struct {
	ctx     context.Context
	attempt Attempt
	pos     int
	owner   *Provider
	once    sync.Once
}

func (s *stream) Recv() (llm.StreamChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.StreamChunk{}, err
	}
	if s.pos >= len(s.attempt.Steps) {
		if s.attempt.Hold {
			<-s.ctx.Done()
			return llm.StreamChunk{}, s.ctx.Err()
		}
		return llm.StreamChunk{}, io.EOF
	}
	step := s.attempt.Steps[s.pos]
	s.pos++
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-s.ctx.Done():
			return llm.StreamChunk{}, s.ctx.Err()
		}
	}
	if step.Err != nil {
		return llm.StreamChunk{}, step.Err
	}
	return step.Chunk, nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		s.owner.closed++
		s.owner.mu.Unlock()
	})
	return nil
}
