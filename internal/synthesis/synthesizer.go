// Package synthesis generates grounded answers from an evidence set and
// streams them as text deltas interleaved with citation events.
package synthesis

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/retry"
)

var errEmptyAnswer = errors.New("backend returned an empty answer")

// Config controls generation.
type Config struct {
	Model          string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Temperature    float64
	MaxTokens      int
}

// DefaultConfig retries a failed backend call once.
func DefaultConfig() Config {
	return Config{
		Timeout:        90 * time.Second,
		MaxRetries:     1,
		InitialBackoff: 500 * time.Millisecond,
		Temperature:    0.2,
		MaxTokens:      1500,
	}
}

// Synthesizer streams answers from a generation backend.
type Synthesizer struct {
	backend  llm.Provider
	registry *party.Registry
	cfg      Config
	logger   *zap.Logger
}

// New returns a synthesizer. registry is used for party names in the
// prompt and may be nil.
func New(backend llm.Provider, registry *party.Registry, cfg Config, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{backend: backend, registry: registry, cfg: cfg, logger: logging.OrNop(logger)}
}

// Synthesize starts generation and returns its events. The channel is
// unbuffered and ends with a Done or Error event. If ctx is cancelled the
// channel is closed without a terminal event. Each call is independent;
// retrying an answer requires a new call.
func (s *Synthesizer) Synthesize(ctx context.Context, q domain.Question, set *domain.EvidenceSet) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		s.run(ctx, q, set, func(ev domain.Event) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

type primed struct {
	stream llm.Stream
	first  llm.StreamChunk
}

func (s *Synthesizer) run(ctx context.Context, q domain.Question, set *domain.EvidenceSet, emit func(domain.Event) bool) {
	if set.Len() == 0 {
		if set != nil && set.Degraded {
			if !emit(domain.TextDelta(caveat(set, s.registry))) {
				return
			}
		}
		if emit(domain.TextDelta(noEvidenceAnswer)) {
			emit(domain.DoneEvent())
		}
		return
	}

	genCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		Model:       s.cfg.Model,
		Messages:    buildMessages(q, set, s.registry),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}

	policy := retry.DefaultPolicy(s.cfg.MaxRetries, s.cfg.InitialBackoff)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("generation failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	start := time.Now()
	p, err := retry.Do(genCtx, policy, func(ctx context.Context) (primed, error) {
		return s.open(ctx, req)
	})
	if err != nil {
		s.fail(ctx, genCtx, err, emit)
		return
	}
	defer p.stream.Close()

	if set.Degraded {
		if !emit(domain.TextDelta(caveat(set, s.registry))) {
			return
		}
	}

	b := newBinder(set)
	chunk := p.first
	for {
		for _, ev := range append(b.feed(chunk.Text), b.refs(chunk.SourceRefs)...) {
			if !emit(ev) {
				return
			}
		}

		chunk, err = p.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(ctx, genCtx, err, emit)
			return
		}
	}

	for _, ev := range b.flush() {
		if !emit(ev) {
			return
		}
	}
	if len(b.dropped) > 0 {
		s.logger.Warn("discarded citation markers outside the evidence set", zap.Strings("refs", b.dropped))
	}
	s.logger.Debug("answer generated",
		zap.Int("citations", b.next),
		zap.Duration("elapsed", time.Since(start)))
	emit(domain.DoneEvent())
}

// open starts a stream and waits for the first chunk with content, so that
// a failing call can be retried before anything reaches the caller.
func (s *Synthesizer) open(ctx context.Context, req llm.CompletionRequest) (primed, error) {
	stream, err := llm.OpenStream(ctx, s.backend, req)
	if err != nil {
		return primed{}, err
	}
	for {
		chunk, err := stream.Recv()
		if err != nil {
			stream.Close()
			if errors.Is(err, io.EOF) {
				err = errEmptyAnswer
			}
			return primed{}, err
		}
		if chunk.Text != "" || len(chunk.SourceRefs) > 0 {
			return primed{stream: stream, first: chunk}, nil
		}
	}
}

func (s *Synthesizer) fail(ctx, genCtx context.Context, err error, emit func(domain.Event) bool) {
	if ctx.Err() != nil {
		return
	}
	msg := "Sorry, the answer could not be generated. Please try again."
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		msg = "Sorry, generating the answer timed out. Please try again."
	}
	s.logger.Error("generation failed", zap.Error(err))
	emit(domain.ErrorEvent(domain.NewError(domain.KindSynthesis, msg, err)))
}
