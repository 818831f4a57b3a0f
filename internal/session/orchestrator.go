// Package session runs answer requests end to end: planning, retrieval,
// synthesis and streaming, with cancellation at every step.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/answercache"
	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/logging"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator closed")

// Planner turns a question into retrieval queries.
type Planner interface {
	Plan(ctx context.Context, q domain.Question) ([]domain.RetrievalQuery, error)
}

// Retriever gathers evidence for the queries.
type Retriever interface {
	Retrieve(ctx context.Context, queries []domain.RetrievalQuery) (*domain.EvidenceSet, error)
}

// Reranker reorders merged evidence by relevance to the question. On error
// the orchestrator keeps the retriever's score order.
type Reranker interface {
	Rerank(ctx context.Context, q domain.Question, set *domain.EvidenceSet) (*domain.EvidenceSet, error)
}

// Synthesizer streams an answer grounded in the evidence set.
type Synthesizer interface {
	Synthesize(ctx context.Context, q domain.Question, set *domain.EvidenceSet) <-chan domain.Event
}

// Orchestrator owns the session table and runs one task per session.
type Orchestrator struct {
	planner   Planner
	retriever Retriever
	synth     Synthesizer

	reranker      Reranker
	rerankTimeout time.Duration

	table   *Table
	cache   answercache.Store
	journal Journal
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache replays completed answers from store.
func WithCache(store answercache.Store) Option {
	return func(o *Orchestrator) { o.cache = store }
}

// WithJournal records every finished session.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithReranker reorders evidence before synthesis. Each rerank is bounded
// by timeout.
func WithReranker(r Reranker, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.reranker = r
		o.rerankTimeout = timeout
	}
}

// WithTable sets the session table.
func WithTable(t *Table) Option {
	return func(o *Orchestrator) { o.table = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New returns an orchestrator over the pipeline components.
func New(p Planner, r Retriever, s Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{planner: p, retriever: r, synth: s}
	for _, opt := range opts {
		opt(o)
	}
	if o.table == nil {
		o.table = NewTable(30 * time.Minute)
	}
	o.logger = logging.OrNop(o.logger)
	return o
}

// Submit creates a session for q and starts it. notify receives one
// Transition per state change, from the session's task. Cancelling ctx
// cancels the session without an acknowledgment.
func (o *Orchestrator) Submit(ctx context.Context, q domain.Question, notify func(Transition)) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	s := newSession(ctx, uuid.NewString(), q, notify)
	o.table.put(s)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(s)
	}()
	return s, nil
}

// Session returns the live session with the given ID.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	return o.table.Get(id)
}

// Cancel cancels the live session with the given ID. It reports false if
// no such session is running.
func (o *Orchestrator) Cancel(id string) bool {
	s, ok := o.table.Get(id)
	if !ok {
		return false
	}
	return s.Cancel()
}

// Active returns the number of live sessions.
func (o *Orchestrator) Active() int { return o.table.Len() }

// Close cancels all sessions and waits for their tasks to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.table.CancelAll()
	o.wg.Wait()
}

// run is the session task. Every path ends in a terminal state.
func (o *Orchestrator) run(s *Session) {
	log := o.logger.With(zap.String("session_id", s.id))
	sum := Summary{ID: s.id, Question: s.question.Text, StartedAt: s.createdAt}

	defer func() {
		o.table.remove(s)
		sum.State = s.State()
		sum.FinishedAt = time.Now()
		log.Info("session finished",
			zap.String("state", string(sum.State)),
			zap.String("error_kind", string(sum.ErrorKind)),
			zap.Bool("cached", sum.Cached),
			zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)))
		if o.journal != nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
			defer cancel()
			if err := o.journal.Record(ctx, sum); err != nil {
				log.Warn("recording session failed", zap.Error(err))
			}
		}
		close(s.events)
		close(s.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("session task panicked", zap.Any("panic", r))
			sum.ErrorKind = o.fail(s, log, domain.NewError(domain.KindSynthesis, "Sorry, something went wrong. Please try again.", nil))
		}
	}()

	o.transition(s, log, StatePlanning, "")
	queries, err := o.planner.Plan(s.ctx, s.question)
	if o.stopped(s, log) {
		return
	}
	if err != nil {
		sum.ErrorKind = o.fail(s, log, classify(err, domain.KindPlanning, "Sorry, your question could not be understood. Please rephrase it."))
		return
	}
	sum.PartyIDs = targets(queries)

	if entry := o.lookup(s, sum.PartyIDs, log); entry != nil {
		sum.Cached = true
		o.transition(s, log, StateRetrieving, "cached answer")
		if o.stopped(s, log) {
			return
		}
		o.transition(s, log, StateSynthesizing, "cached answer")
		sum.ErrorKind = o.stream(s, replay(s.ctx, entry.Events()), nil, log)
		return
	}

	o.transition(s, log, StateRetrieving, "parties: "+strings.Join(sum.PartyIDs, ","))
	set, err := o.retriever.Retrieve(s.ctx, queries)
	if o.stopped(s, log) {
		return
	}
	if err != nil {
		sum.ErrorKind = o.fail(s, log, classify(err, domain.KindRetrieval, "Sorry, the sources could not be retrieved. Please try again."))
		return
	}

	set = o.rerank(s, set, log)
	if o.stopped(s, log) {
		return
	}

	o.transition(s, log, StateSynthesizing, evidenceReason(set))
	rec := &answercache.Recorder{}
	sum.ErrorKind = o.stream(s, o.synth.Synthesize(s.ctx, s.question, set), rec, log)

	if s.State() == StateCompleted && o.cache != nil && cacheable(set) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
		defer cancel()
		key := answercache.Key(sum.PartyIDs, s.question)
		if err := o.cache.Put(ctx, key, rec.Entry(sum.PartyIDs)); err != nil {
			log.Warn("caching answer failed", zap.Error(err))
		}
	}
}

// rerank returns set reordered by the reranker, or set itself if no
// reranker is configured or it fails.
func (o *Orchestrator) rerank(s *Session, set *domain.EvidenceSet, log *zap.Logger) *domain.EvidenceSet {
	if o.reranker == nil {
		return set
	}
	ctx := s.ctx
	if o.rerankTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.rerankTimeout)
		defer cancel()
	}
	ranked, err := o.reranker.Rerank(ctx, s.question, set)
	if err != nil || ranked == nil || ranked.Len() != set.Len() {
		if s.ctx.Err() == nil {
			log.Warn("rerank failed, keeping score order", zap.Error(err))
		}
		return set
	}
	return ranked
}

// stream forwards answer events until a terminal event, moving the session
// to Streaming on the first event. It returns the error kind the session
// failed with, if any.
func (o *Orchestrator) stream(s *Session, events <-chan domain.Event, rec *answercache.Recorder, log *zap.Logger) domain.ErrorKind {
	first := true
	for {
		var ev domain.Event
		var ok bool
		select {
		case ev, ok = <-events:
		case <-s.ctx.Done():
		}
		if o.stopped(s, log) {
			return ""
		}
		if !ok {
			return o.fail(s, log, domain.NewError(domain.KindSynthesis, "Sorry, the answer ended unexpectedly. Please try again.", nil))
		}

		if ev.Kind == domain.EventError {
			derr := ev.Err
			if derr == nil {
				derr = domain.NewError(domain.KindSynthesis, "Sorry, the answer could not be generated. Please try again.", nil)
			}
			return o.fail(s, log, derr)
		}
		if first {
			first = false
			o.transition(s, log, StateStreaming, "")
		}
		if !s.forward(ev) {
			o.stopped(s, log)
			return ""
		}
		if rec != nil {
			rec.Add(ev)
		}
		if ev.Kind == domain.EventDone {
			o.transition(s, log, StateCompleted, "")
			return ""
		}
	}
}

// stopped reports whether the session was cancelled or its caller went
// away. If so it moves the session to Cancelled and acknowledges an
// explicit cancellation.
func (o *Orchestrator) stopped(s *Session, log *zap.Logger) bool {
	if s.ctx.Err() == nil && !s.cancelled.Load() {
		return false
	}
	if s.State().Terminal() {
		return true
	}
	reason := "cancelled by caller"
	if !s.cancelled.Load() {
		reason = "caller went away"
	}
	if s.cancelled.Load() {
		s.acknowledge()
	}
	o.transition(s, log, StateCancelled, reason)
	return true
}

// fail delivers err as the terminal event and moves the session to Failed.
func (o *Orchestrator) fail(s *Session, log *zap.Logger, err *domain.Error) domain.ErrorKind {
	if o.stopped(s, log) {
		return ""
	}
	log.Warn("session failed", zap.String("error_kind", string(err.Kind)), zap.Error(err))
	if !s.forward(domain.ErrorEvent(err)) {
		o.stopped(s, log)
		return ""
	}
	o.transition(s, log, StateFailed, string(err.Kind))
	return err.Kind
}

func (o *Orchestrator) transition(s *Session, log *zap.Logger, to State, reason string) {
	t, ok := s.transition(to, reason)
	if !ok {
		log.Error("invalid session transition", zap.String("from", string(s.State())), zap.String("to", string(to)))
		return
	}
	log.Debug("session transition",
		zap.String("from", string(t.From)),
		zap.String("state", string(t.To)),
		zap.String("reason", t.Reason))
}

func (o *Orchestrator) lookup(s *Session, partyIDs []string, log *zap.Logger) *answercache.Entry {
	if o.cache == nil {
		return nil
	}
	entry, ok, err := o.cache.Get(s.ctx, answercache.Key(partyIDs, s.question))
	if err != nil {
		log.Warn("answer cache lookup failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return entry
}

// replay streams cached events like a synthesizer would.
func replay(ctx context.Context, events []domain.Event) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// classify maps err into the error taxonomy. Classified errors pass
// through; anything else becomes fallback with a generic message.
func classify(err error, fallback domain.ErrorKind, message string) *domain.Error {
	if de, ok := domain.AsError(err); ok {
		if de.Kind == domain.KindIndexUnavailable {
			return domain.NewError(domain.KindRetrieval, "Sorry, the sources could not be retrieved. Please try again.", de)
		}
		return de
	}
	return domain.NewError(fallback, message, err)
}

func targets(queries []domain.RetrievalQuery) []string {
	ids := make([]string, 0, len(queries))
	for _, q := range queries {
		ids = append(ids, q.PartyID)
	}
	return ids
}

func evidenceReason(set *domain.EvidenceSet) string {
	var parts []string
	if set.Degraded {
		parts = append(parts, "partial evidence, failed: "+strings.Join(set.FailedParties, ","))
	}
	if len(set.UnavailableParties) > 0 {
		parts = append(parts, "index unavailable: "+strings.Join(set.UnavailableParties, ","))
	}
	return strings.Join(parts, "; ")
}

func cacheable(set *domain.EvidenceSet) bool {
	return !set.Degraded && len(set.UnavailableParties) == 0
}
