// Package answercache stores completed answers keyed by conversation so
// repeated questions can be replayed without retrieval or generation.
package answercache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// Store persists cache entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry) error
}

// Key hashes the targeted parties, the conversation history and the
// question. Party order does not matter. Every field is length-prefixed so
// separators inside field values cannot shift field boundaries.
func Key(partyIDs []string, q domain.Question) string {
	ids := append([]string(nil), partyIDs...)
	sort.Strings(ids)

	h := xxhash.New()
	writeInt(h, len(ids))
	for _, id := range ids {
		writeField(h, id)
	}
	writeInt(h, len(q.History))
	for _, t := range q.History {
		writeField(h, t.Role)
		writeField(h, t.PartyID)
		writeField(h, t.Content)
	}
	writeField(h, strings.TrimSpace(q.Text))

	var buf [8]byte
	return hex.EncodeToString(h.Sum(buf[:0]))
}

func writeField(h *xxhash.Digest, s string) {
	writeInt(h, len(s))
	h.WriteString(s)
}

func writeInt(h *xxhash.Digest, n int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

// Record is one replayable answer event.
type Record struct {
	Kind     domain.EventKind `json:"kind"`
	Text     string           `json:"text,omitempty"`
	Citation *domain.Citation `json:"citation,omitempty"`
}

// Entry is a cached answer. Citations carry the passages they reference, so
// a replay binds only to the evidence of the original answer.
type Entry struct {
	PartyIDs  []string  `json:"party_ids"`
	Records   []Record  `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder accumulates the events of an answer in progress.
type Recorder struct {
	records []Record
}

// Add records ev. Terminal events are not recorded.
func (r *Recorder) Add(ev domain.Event) {
	switch ev.Kind {
	case domain.EventDelta:
		r.records = append(r.records, Record{Kind: ev.Kind, Text: ev.Text})
	case domain.EventCitation:
		c := *ev.Citation
		r.records = append(r.records, Record{Kind: ev.Kind, Citation: &c})
	}
}

// Entry returns the recorded answer.
func (r *Recorder) Entry(partyIDs []string) *Entry {
	return &Entry{
		PartyIDs: append([]string(nil), partyIDs...),
		Records:  append([]Record(nil), r.records...),
	}
}

// Text returns the answer text without citations.
func (e *Entry) Text() string {
	var b strings.Builder
	for _, r := range e.Records {
		if r.Kind == domain.EventDelta {
			b.WriteString(r.Text)
		}
	}
	return b.String()
}

// Events returns the answer as events, ending with Done.
func (e *Entry) Events() []domain.Event {
	events := make([]domain.Event, 0, len(e.Records)+1)
	for _, r := range e.Records {
		switch {
		case r.Kind == domain.EventDelta:
			events = append(events, domain.TextDelta(r.Text))
		case r.Kind == domain.EventCitation && r.Citation != nil:
			events = append(events, domain.CitationEvent(*r.Citation))
		}
	}
	return append(events, domain.DoneEvent())
}
