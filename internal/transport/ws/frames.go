package ws

import (
	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/session"
)

// Inbound message types.
const (
	typeAsk    = "ask"
	typeCancel = "cancel"
	typePing   = "ping"
)

// Outbound frame types.
const (
	FrameSession        = "session"
	FrameState          = "state"
	FrameDelta          = "delta"
	FrameCitation       = "citation"
	FrameError          = "error"
	FrameDone           = "done"
	FrameCancelled      = "cancelled"
	FrameCancelRejected = "cancel_rejected"
	FrameRejected       = "rejected"
	FramePong           = "pong"
)

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	PartyID string `json:"partyId,omitempty"`
}

// request is a message from the client.
type request struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Question  string   `json:"question,omitempty"`
	History   []turn   `json:"history,omitempty"`
	PartyIDs  []string `json:"partyIds,omitempty"`
}

func (r request) question() domain.Question {
	history := make([]domain.Turn, 0, len(r.History))
	for _, t := range r.History {
		role := domain.RoleUser
		if t.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}
		history = append(history, domain.Turn{Role: role, Content: t.Content, PartyID: t.PartyID})
	}
	return domain.NewQuestion(r.Question, history, r.PartyIDs)
}

// Frame is a message to the client.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Text string `json:"text,omitempty"`

	Marker   int     `json:"marker,omitempty"`
	SourceID string  `json:"sourceId,omitempty"`
	PartyID  string  `json:"partyId,omitempty"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Excerpt  string  `json:"excerpt,omitempty"`
	Score    float64 `json:"score,omitempty"`

	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	From   string `json:"from,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func eventFrame(sessionID string, ev domain.Event) Frame {
	f := Frame{SessionID: sessionID}
	switch ev.Kind {
	case domain.EventDelta:
		f.Type = FrameDelta
		f.Text = ev.Text
	case domain.EventCitation:
		p := ev.Citation.Passage
		f.Type = FrameCitation
		f.Marker = ev.Citation.Marker
		f.SourceID = p.SourceID
		f.PartyID = p.PartyID
		f.Title = p.Title
		f.URL = p.URL
		f.Excerpt = p.Text
		f.Score = p.Score
	case domain.EventError:
		f.Type = FrameError
		if ev.Err != nil {
			f.Kind = string(ev.Err.Kind)
			f.Message = ev.Err.Message
		}
	case domain.EventDone:
		f.Type = FrameDone
	case domain.EventCancelled:
		f.Type = FrameCancelled
	}
	return f
}

func stateFrame(t session.Transition) Frame {
	return Frame{
		Type:      FrameState,
		SessionID: t.SessionID,
		From:      string(t.From),
		State:     string(t.To),
		Reason:    t.Reason,
	}
}
