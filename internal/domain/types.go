// Package domain holds the data model shared by the answer pipeline:
// questions, retrieval queries, evidence passages, answer events and the
// error taxonomy.
package domain

import "time"

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// PartyID is set on assistant turns answered on behalf of a party.
	PartyID string `json:"party_id,omitempty"`
}

// Question is a user question together with its conversation history and
// the (possibly empty) explicit party scope. Treat it as immutable; use
// NewQuestion to build one so the slices are owned by the question.
type Question struct {
	Text     string
	History  []Turn
	PartyIDs []string
}

// NewQuestion copies history and partyIDs so later mutation by the caller
// cannot leak into an in-flight request.
func NewQuestion(text string, history []Turn, partyIDs []string) Question {
	q := Question{Text: text}
	if len(history) > 0 {
		q.History = append([]Turn(nil), history...)
	}
	if len(partyIDs) > 0 {
		q.PartyIDs = append([]string(nil), partyIDs...)
	}
	return q
}

// RetrievalQuery is produced by the planner for a single party.
type RetrievalQuery struct {
	Text    string `json:"text"`
	PartyID string `json:"party_id"`
	Budget  int    `json:"budget"`
	// Comparing marks a question that asks to contrast the targeted parties.
	Comparing bool `json:"comparing,omitempty"`
}

// Passage is an excerpt from a party document. (SourceID, PartyID) is its
// identity.
type Passage struct {
	SourceID    string    `json:"source_id"`
	PartyID     string    `json:"party_id"`
	Text        string    `json:"text"`
	Score       float64   `json:"score"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
}

// Key returns the identity of the passage.
func (p Passage) Key() PassageKey {
	return PassageKey{SourceID: p.SourceID, PartyID: p.PartyID}
}

// PassageKey identifies a passage across retrieval queries.
type PassageKey struct {
	SourceID string
	PartyID  string
}

// EvidenceSet is the ranked, budgeted evidence for one request.
type EvidenceSet struct {
	Passages []Passage
	// Degraded is set when evidence for at least one targeted party could
	// not be retrieved after retries.
	Degraded bool
	// FailedParties lists the parties whose retrieval failed transiently.
	FailedParties []string
	// UnavailableParties lists the parties whose index is not loaded.
	UnavailableParties []string
	Queries            []RetrievalQuery
}

// Len returns the number of passages.
func (s *EvidenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Passages)
}

// At returns the passage at index i.
func (s *EvidenceSet) At(i int) (Passage, bool) {
	if s == nil || i < 0 || i >= len(s.Passages) {
		return Passage{}, false
	}
	return s.Passages[i], true
}

// Find returns the index of the passage with the given source ID.
func (s *EvidenceSet) Find(sourceID string) (int, bool) {
	if s == nil {
		return -1, false
	}
	for i, p := range s.Passages {
		if p.SourceID == sourceID {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether the set holds a passage with the given identity.
func (s *EvidenceSet) Contains(key PassageKey) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Passages {
		if p.Key() == key {
			return true
		}
	}
	return false
}

// PartyIDs returns the distinct party IDs present in the set, in order of
// first appearance.
func (s *EvidenceSet) PartyIDs() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, p := range s.Passages {
		if !seen[p.PartyID] {
			seen[p.PartyID] = true
			ids = append(ids, p.PartyID)
		}
	}
	return ids
}

// Comparing reports whether the answer should contrast the parties: the
// planner flagged the question as a comparison and the evidence covers
// more than one party.
func (s *EvidenceSet) Comparing() bool {
	if s == nil {
		return false
	}
	for _, q := range s.Queries {
		if q.Comparing {
			return len(s.PartyIDs()) > 1
		}
	}
	return false
}

// Citation binds a marker in the answer text to a passage of the evidence set.
type Citation struct {
	// Marker is the 1-based sequence number of the citation in the answer.
	Marker int `json:"marker"`
	// Index is the position of the passage in the evidence set.
	Index   int     `json:"index"`
	Passage Passage `json:"passage"`
}
