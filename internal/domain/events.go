package domain

// EventKind tags an Event.
type EventKind string

const (
	EventDelta     EventKind = "delta"
	EventCitation  EventKind = "citation"
	EventError     EventKind = "error"
	EventDone      EventKind = "done"
	EventCancelled EventKind = "cancelled"
)

// Event is one element of the answer stream. Exactly one of Text, Citation
// or Err is meaningful depending on Kind.
type Event struct {
	Kind     EventKind
	Text     string
	Citation *Citation
	Err      *Error
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventError, EventDone, EventCancelled:
		return true
	}
	return false
}

func TextDelta(text string) Event { return Event{Kind: EventDelta, Text: text} }

func CitationEvent(c Citation) Event { return Event{Kind: EventCitation, Citation: &c} }

func ErrorEvent(err *Error) Event { return Event{Kind: EventError, Err: err} }

func DoneEvent() Event { return Event{Kind: EventDone} }

func CancelledEvent() Event { return Event{Kind: EventCancelled} }
