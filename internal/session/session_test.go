package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/partychat/internal/answercache"
	"github.com/ziadkadry99/partychat/internal/db"
	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/evidence"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/llm/llmtest"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/planner"
	"github.com/ziadkadry99/partychat/internal/retrieval"
	"github.com/ziadkadry99/partychat/internal/synthesis"
)

type fixedPlanner struct {
	queries []domain.RetrievalQuery
	err     error
}

func (p fixedPlanner) Plan(ctx context.Context, q domain.Question) ([]domain.RetrievalQuery, error) {
	return p.queries, p.err
}

func plan(ids ...string) fixedPlanner {
	var qs []domain.RetrievalQuery
	for _, id := range ids {
		qs = append(qs, domain.RetrievalQuery{Text: "position on X", PartyID: id, Budget: 10})
	}
	return fixedPlanner{queries: qs}
}

type countingRetriever struct {
	inner Retriever
	calls atomic.Int32
}

func (r *countingRetriever) Retrieve(ctx context.Context, qs []domain.RetrievalQuery) (*domain.EvidenceSet, error) {
	r.calls.Add(1)
	return r.inner.Retrieve(ctx, qs)
}

type blockingRetriever struct {
	started chan struct{}
	sawDone atomic.Bool
}

func (r *blockingRetriever) Retrieve(ctx context.Context, qs []domain.RetrievalQuery) (*domain.EvidenceSet, error) {
	close(r.started)
	<-ctx.Done()
	r.sawDone.Store(true)
	return nil, ctx.Err()
}

// partyAIndex returns three Party A passages scoring 0.9, 0.7 and 0.5.
func partyAIndex() evidence.Adapter {
	return evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		now := time.Now()
		return []domain.Passage{
			{SourceID: "a-1", PartyID: "party-a", Text: "Party A supports X.", Score: 0.9, RetrievedAt: now},
			{SourceID: "a-2", PartyID: "party-a", Text: "Party A funds X.", Score: 0.7, RetrievedAt: now},
			{SourceID: "a-3", PartyID: "party-a", Text: "Party A reviews X.", Score: 0.5, RetrievedAt: now},
		}, nil
	})
}

func testRetriever(adapter evidence.Adapter) *retrieval.Retriever {
	cfg := retrieval.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.Timeout = 2 * time.Second
	return retrieval.New(adapter, cfg, nil)
}

func testSynthesizer(backend *llmtest.Provider) *synthesis.Synthesizer {
	cfg := synthesis.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return synthesis.New(backend, nil, cfg, nil)
}

func llmChunk(text string) llm.StreamChunk {
	return llm.StreamChunk{Text: text}
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) notify(t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.To
	}
	return out
}

func drain(t *testing.T, s *Session) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				<-s.Done()
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("session did not finish")
			return nil
		}
	}
}

func kinds(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func answerText(events []domain.Event) string {
	var text string
	for _, ev := range events {
		if ev.Kind == domain.EventDelta {
			text += ev.Text
		}
	}
	return text
}

func TestSessionCitesOnlyAvailableParty(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	backend := llmtest.New(llmtest.Text("Party A supports X [0]", " and funds it [1].", " Party B says [5]."))

	o := New(plan("party-a", "party-b"), testRetriever(reg), testSynthesizer(backend))
	rec := &recorder{}
	s, err := o.Submit(t.Context(), domain.NewQuestion("What is Party A's position on X?", nil, nil), rec.notify)
	require.NoError(t, err)

	events := drain(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Kind)
	assert.NotContains(t, answerText(events), "incomplete")

	var cited int
	for _, ev := range events {
		if ev.Kind == domain.EventCitation {
			cited++
			assert.Equal(t, "party-a", ev.Citation.Passage.PartyID)
		}
	}
	assert.Equal(t, 2, cited)

	assert.Equal(t, []State{StatePlanning, StateRetrieving, StateSynthesizing, StateStreaming, StateCompleted}, rec.states())
	assert.Contains(t, rec.transitions[2].Reason, "index unavailable: party-b")
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 0, o.Active())
}

func TestSessionWithRealPlanner(t *testing.T) {
	parties, err := party.NewRegistry([]party.Party{{ID: "party-a", Name: "Party A"}, {ID: "party-b", Name: "Party B"}})
	require.NoError(t, err)
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	backend := llmtest.New(llmtest.Text("Party A supports X [0]."))

	o := New(planner.New(parties, planner.Config{}), testRetriever(reg), testSynthesizer(backend))
	s, err := o.Submit(t.Context(), domain.NewQuestion("What is Party A's position on X?", nil, nil), nil)
	require.NoError(t, err)

	events := drain(t, s)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Kind)
	require.Len(t, backend.Requests(), 1)
	assert.Contains(t, backend.Requests()[0].Messages[0].Content, "Party A supports X.")
}

type reversingReranker struct {
	err   error
	calls atomic.Int32
}

func (r *reversingReranker) Rerank(ctx context.Context, q domain.Question, set *domain.EvidenceSet) (*domain.EvidenceSet, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	out := *set
	out.Passages = make([]domain.Passage, 0, set.Len())
	for i := set.Len() - 1; i >= 0; i-- {
		out.Passages = append(out.Passages, set.Passages[i])
	}
	return &out, nil
}

func firstCitation(t *testing.T, events []domain.Event) domain.Citation {
	t.Helper()
	for _, ev := range events {
		if ev.Kind == domain.EventCitation {
			return *ev.Citation
		}
	}
	t.Fatal("no citation")
	return domain.Citation{}
}

func TestSessionReranksEvidence(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	backend := llmtest.New(llmtest.Text("Party A reviews X [0]."))
	rr := &reversingReranker{}

	o := New(plan("party-a"), testRetriever(reg), testSynthesizer(backend), WithReranker(rr, time.Second))
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)

	events := drain(t, s)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Kind)
	assert.EqualValues(t, 1, rr.calls.Load())
	assert.Equal(t, "a-3", firstCitation(t, events).Passage.SourceID)
}

func TestSessionRerankFailureKeepsScoreOrder(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	backend := llmtest.New(llmtest.Text("Party A supports X [0]."))
	rr := &reversingReranker{err: errors.New("model down")}

	o := New(plan("party-a"), testRetriever(reg), testSynthesizer(backend), WithReranker(rr, time.Second))
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)

	events := drain(t, s)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Kind)
	assert.Equal(t, "a-1", firstCitation(t, events).Passage.SourceID)
}

func TestSessionAllRetrievalFails(t *testing.T) {
	failing := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		return nil, errors.New("backend down")
	})
	backend := llmtest.New(llmtest.Text("never"))

	o := New(plan("party-a", "party-b"), testRetriever(failing), testSynthesizer(backend))
	rec := &recorder{}
	s, err := o.Submit(t.Context(), domain.NewQuestion("What about X?", nil, nil), rec.notify)
	require.NoError(t, err)

	events := drain(t, s)
	require.Equal(t, []domain.EventKind{domain.EventError}, kinds(events))
	assert.Equal(t, domain.KindRetrieval, events[0].Err.Kind)
	assert.Equal(t, []State{StatePlanning, StateRetrieving, StateFailed}, rec.states())
	assert.Equal(t, 0, backend.Calls())
}

func TestSessionPlanningError(t *testing.T) {
	p := fixedPlanner{err: domain.NewError(domain.KindPlanning, "Please ask a question.", nil)}
	o := New(p, testRetriever(evidence.NewRegistry()), testSynthesizer(llmtest.New()))
	rec := &recorder{}
	s, err := o.Submit(t.Context(), domain.NewQuestion("", nil, nil), rec.notify)
	require.NoError(t, err)

	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindPlanning, events[0].Err.Kind)
	assert.Equal(t, "Please ask a question.", events[0].Err.Message)
	assert.Equal(t, []State{StatePlanning, StateFailed}, rec.states())
}

func TestSessionRawPlannerErrorIsClassified(t *testing.T) {
	o := New(fixedPlanner{err: errors.New("boom")}, testRetriever(evidence.NewRegistry()), testSynthesizer(llmtest.New()))
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)

	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindPlanning, events[0].Err.Kind)
}

func TestSessionImmediateSynthesisFailure(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	backend := llmtest.New(llmtest.Attempt{OpenErr: errors.New("overloaded")})

	o := New(plan("party-a"), testRetriever(reg), testSynthesizer(backend))
	rec := &recorder{}
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), rec.notify)
	require.NoError(t, err)

	events := drain(t, s)
	require.Equal(t, []domain.EventKind{domain.EventError}, kinds(events))
	assert.Equal(t, domain.KindSynthesis, events[0].Err.Kind)
	assert.Equal(t, []State{StatePlanning, StateRetrieving, StateSynthesizing, StateFailed}, rec.states())
}

func TestSessionCancelDuringRetrieval(t *testing.T) {
	r := &blockingRetriever{started: make(chan struct{})}
	o := New(plan("party-a"), r, testSynthesizer(llmtest.New()))
	rec := &recorder{}
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), rec.notify)
	require.NoError(t, err)

	<-r.started
	assert.True(t, o.Cancel(s.ID()))

	events := drain(t, s)
	assert.Equal(t, []domain.EventKind{domain.EventCancelled}, kinds(events))
	assert.True(t, r.sawDone.Load())
	assert.Equal(t, []State{StatePlanning, StateRetrieving, StateCancelled}, rec.states())
	assert.False(t, o.Cancel(s.ID()))
}

func TestSessionCancelAfterStreamingBegins(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())

	for i := 0; i < 25; i++ {
		t.Run(fmt.Sprintf("timing-%d", i), func(t *testing.T) {
			attempt := llmtest.Attempt{}
			for j := 0; j < 10; j++ {
				attempt.Steps = append(attempt.Steps, llmtest.Step{
					Chunk: llmChunk(fmt.Sprintf("part %d [%d] ", j, j%3)),
					Delay: time.Duration(j%3) * time.Millisecond,
				})
			}
			backend := llmtest.New(attempt)
			o := New(plan("party-a"), testRetriever(reg), testSynthesizer(backend))
			rec := &recorder{}
			s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), rec.notify)
			require.NoError(t, err)

			first := <-s.Events()
			require.Equal(t, domain.EventDelta, first.Kind)

			go func() {
				time.Sleep(time.Duration(i%5) * time.Millisecond)
				s.Cancel()
			}()

			events := append([]domain.Event{first}, drain(t, s)...)
			last := events[len(events)-1]
			require.True(t, last.Terminal())
			for _, ev := range events[:len(events)-1] {
				assert.False(t, ev.Terminal())
			}

			states := rec.states()
			switch last.Kind {
			case domain.EventCancelled:
				assert.Equal(t, StateCancelled, states[len(states)-1])
				assert.Equal(t, StateCancelled, s.State())
			case domain.EventDone:
				assert.Equal(t, StateCompleted, s.State())
			default:
				t.Fatalf("unexpected terminal event %s", last.Kind)
			}
		})
	}
}

func TestCancelWhileTerminalEventPending(t *testing.T) {
	s := newSession(t.Context(), "s-1", domain.NewQuestion("x", nil, nil), nil)

	delivered := make(chan bool, 1)
	go func() { delivered <- s.forward(domain.DoneEvent()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.finishing
	}, time.Second, time.Millisecond)

	assert.False(t, s.Cancel(), "cancel must be rejected once Done is on the way")
	assert.False(t, s.Cancelled())
	assert.NoError(t, s.ctx.Err())

	ev := <-s.Events()
	assert.Equal(t, domain.EventDone, ev.Kind)
	assert.True(t, <-delivered)
	assert.False(t, s.Cancel())
}

func TestCancelBeforeTerminalEvent(t *testing.T) {
	s := newSession(t.Context(), "s-1", domain.NewQuestion("x", nil, nil), nil)

	require.True(t, s.Cancel())
	assert.False(t, s.forward(domain.TextDelta("late")))
	assert.False(t, s.forward(domain.DoneEvent()))
	assert.False(t, s.forward(domain.ErrorEvent(domain.NewError(domain.KindSynthesis, "x", nil))))
}

func TestSessionCallerGoesAway(t *testing.T) {
	r := &blockingRetriever{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(t.Context())
	o := New(plan("party-a"), r, testSynthesizer(llmtest.New()))
	s, err := o.Submit(ctx, domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)

	<-r.started
	cancel()
	events := drain(t, s)
	assert.Empty(t, events)
	assert.Equal(t, StateCancelled, s.State())
}

func TestSessionDetachedConsumer(t *testing.T) {
	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	attempt := llmtest.Text("a", "b", "c")
	o := New(plan("party-a"), testRetriever(reg), testSynthesizer(llmtest.New(attempt)))
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)

	<-s.Events()
	s.Detach()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("detached session did not finish")
	}
	assert.Equal(t, StateCancelled, s.State())
}

type memJournal struct {
	mu   sync.Mutex
	sums []Summary
}

func (j *memJournal) Record(ctx context.Context, s Summary) error {
	j.mu.Lock()
	j.sums = append(j.sums, s)
	j.mu.Unlock()
	return nil
}

func TestSessionReplaysCachedAnswer(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	reg := evidence.NewRegistry()
	reg.Register("party-a", partyAIndex())
	retriever := &countingRetriever{inner: testRetriever(reg)}
	backend := llmtest.New(llmtest.Text("Party A supports X [0]."))
	journal := &memJournal{}

	o := New(plan("party-a"), retriever, testSynthesizer(backend),
		WithCache(answercache.NewSQLiteStore(d, time.Hour)),
		WithJournal(journal))

	q := domain.NewQuestion("What is Party A's position on X?", nil, nil)
	s1, err := o.Submit(t.Context(), q, nil)
	require.NoError(t, err)
	first := drain(t, s1)

	rec := &recorder{}
	s2, err := o.Submit(t.Context(), q, rec.notify)
	require.NoError(t, err)
	second := drain(t, s2)

	assert.Equal(t, int32(1), retriever.calls.Load())
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, kinds(first), kinds(second))
	assert.Equal(t, answerText(first), answerText(second))
	assert.Equal(t, []State{StatePlanning, StateRetrieving, StateSynthesizing, StateStreaming, StateCompleted}, rec.states())

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.sums, 2)
	assert.False(t, journal.sums[0].Cached)
	assert.True(t, journal.sums[1].Cached)
	assert.Equal(t, StateCompleted, journal.sums[1].State)
	assert.Equal(t, []string{"party-a"}, journal.sums[1].PartyIDs)
}

func TestSessionDegradedAnswerNotCached(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		if partyID == "party-b" {
			return nil, errors.New("backend down")
		}
		return partyAIndex().Query(ctx, text, partyID, budget)
	})
	retriever := &countingRetriever{inner: testRetriever(adapter)}
	backend := llmtest.New(llmtest.Text("Party A supports X [0]."))
	o := New(plan("party-a", "party-b"), retriever, testSynthesizer(backend),
		WithCache(answercache.NewSQLiteStore(d, time.Hour)))

	q := domain.NewQuestion("x", nil, nil)
	for i := 0; i < 2; i++ {
		s, err := o.Submit(t.Context(), q, nil)
		require.NoError(t, err)
		events := drain(t, s)
		assert.Contains(t, answerText(events), "incomplete")
	}
	assert.Equal(t, int32(2), retriever.calls.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	o := New(plan("party-a"), testRetriever(evidence.NewRegistry()), testSynthesizer(llmtest.New()))
	o.Close()
	_, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseCancelsRunningSessions(t *testing.T) {
	r := &blockingRetriever{started: make(chan struct{})}
	o := New(plan("party-a"), r, testSynthesizer(llmtest.New()))
	s, err := o.Submit(t.Context(), domain.NewQuestion("x", nil, nil), nil)
	require.NoError(t, err)
	<-r.started

	go func() {
		for range s.Events() {
		}
	}()
	o.Close()
	assert.Equal(t, StateCancelled, s.State())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateCreated, StatePlanning))
	assert.True(t, canTransition(StateStreaming, StateCompleted))
	assert.True(t, canTransition(StateRetrieving, StateFailed))
	assert.True(t, canTransition(StateCreated, StateCancelled))
	assert.False(t, canTransition(StatePlanning, StateStreaming))
	assert.False(t, canTransition(StateCompleted, StateCancelled))
	assert.False(t, canTransition(StateFailed, StateFailed))
	assert.False(t, canTransition(StateSynthesizing, StateCompleted))
}

func TestSQLiteJournal(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	j := NewSQLiteJournal(d)

	start := time.Now().Add(-time.Second)
	require.NoError(t, j.Record(t.Context(), Summary{ID: "s1", Question: "q1", State: StateCompleted, StartedAt: start, FinishedAt: start.Add(time.Millisecond)}))
	require.NoError(t, j.Record(t.Context(), Summary{ID: "s2", Question: "q2", PartyIDs: []string{"a", "b"}, State: StateFailed, ErrorKind: domain.KindRetrieval, Cached: true, StartedAt: start, FinishedAt: start.Add(time.Second)}))

	got, err := j.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, []string{"a", "b"}, got[0].PartyIDs)
	assert.Equal(t, domain.KindRetrieval, got[0].ErrorKind)
	assert.True(t, got[0].Cached)
	assert.Nil(t, got[1].PartyIDs)
}
