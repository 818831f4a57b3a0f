package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// Session is one in-flight answer. Its events are produced by a single
// task owned by the orchestrator.
type Session struct {
	id        string
	question  domain.Question
	createdAt time.Time

	mu    sync.Mutex
	state State
	// finishing is set once a terminal event is being delivered.
	finishing bool

	cancelled atomic.Bool
	cancel    context.CancelFunc
	ctx       context.Context
	parent    context.Context

	events   chan domain.Event
	done     chan struct{}
	detached chan struct{}
	detach   sync.Once

	notify func(Transition)
}

func newSession(parent context.Context, id string, q domain.Question, notify func(Transition)) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        id,
		question:  q,
		createdAt: time.Now(),
		state:     StateCreated,
		ctx:       ctx,
		cancel:    cancel,
		parent:    parent,
		events:    make(chan domain.Event),
		done:      make(chan struct{}),
		detached:  make(chan struct{}),
		notify:    notify,
	}
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Question() domain.Question { return s.question }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the answer events. The last event is terminal: Done, Error
// or the Cancelled acknowledgment. The channel is closed afterwards.
func (s *Session) Events() <-chan domain.Event { return s.events }

// Done is closed once the session reached a terminal state and released its
// resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel requests cancellation. It reports false if the session already
// finished or its terminal event is on the way; the caller then receives
// that event instead of an acknowledgment. Otherwise in-flight retrieval
// and generation calls are abandoned and the caller receives a Cancelled
// acknowledgment as the last event.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state.Terminal() || s.finishing {
		s.mu.Unlock()
		return false
	}
	s.cancelled.Store(true)
	s.mu.Unlock()
	s.cancel()
	return true
}

// Cancelled reports whether cancellation was requested.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Detach tells the session its consumer is gone. Pending sends are dropped
// and the session winds down as cancelled.
func (s *Session) Detach() {
	s.detach.Do(func() {
		close(s.detached)
		s.cancel()
	})
}

// transition moves the session to state to and notifies the caller. It
// reports false for transitions the lifecycle does not allow.
func (s *Session) transition(to State, reason string) (Transition, bool) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return Transition{}, false
	}
	s.state = to
	s.mu.Unlock()

	t := Transition{SessionID: s.id, From: from, To: to, At: time.Now(), Reason: reason}
	if s.notify != nil {
		s.notify(t)
	}
	return t, true
}

// forward delivers ev to the consumer. It returns false without delivering
// once cancellation was requested or the consumer detached. After a terminal
// event passed the cancellation check, Cancel reports false.
func (s *Session) forward(ev domain.Event) bool {
	if ev.Terminal() {
		s.mu.Lock()
		if s.cancelled.Load() {
			s.mu.Unlock()
			return false
		}
		s.finishing = true
		s.mu.Unlock()
	} else if s.cancelled.Load() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	case <-s.detached:
		return false
	}
}

// acknowledge delivers the cancellation acknowledgment unless the consumer
// is gone.
func (s *Session) acknowledge() {
	select {
	case s.events <- domain.CancelledEvent():
	case <-s.detached:
	case <-s.parent.Done():
	}
}
