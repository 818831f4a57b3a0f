package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuestionCopiesSlices(t *testing.T) {
	history := []Turn{{Role: RoleUser, Content: "hi"}}
	parties := []string{"a"}

	q := NewQuestion("what?", history, parties)
	history[0].Content = "changed"
	parties[0] = "b"

	assert.Equal(t, "hi", q.History[0].Content)
	assert.Equal(t, []string{"a"}, q.PartyIDs)
}

func TestIndexUnavailableClassification(t *testing.T) {
	err := fmt.Errorf("querying: %w", IndexUnavailable("party-b"))

	assert.True(t, errors.Is(err, ErrIndexUnavailable))
	assert.Equal(t, KindIndexUnavailable, KindOf(err))

	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "party-b", de.PartyID)
	assert.False(t, de.Retryable())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
	assert.Equal(t, KindIndexUnavailable, KindOf(fmt.Errorf("x: %w", ErrIndexUnavailable)))
}

func TestEvidenceSetLookups(t *testing.T) {
	set := &EvidenceSet{Passages: []Passage{
		{SourceID: "doc1#p1", PartyID: "a"},
		{SourceID: "doc2#p4", PartyID: "b"},
		{SourceID: "doc3#p2", PartyID: "a"},
	}}

	idx, ok := set.Find("doc2#p4")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = set.At(3)
	assert.False(t, ok)

	assert.True(t, set.Contains(PassageKey{SourceID: "doc1#p1", PartyID: "a"}))
	assert.False(t, set.Contains(PassageKey{SourceID: "doc1#p1", PartyID: "b"}))
	assert.Equal(t, []string{"a", "b"}, set.PartyIDs())

	var empty *EvidenceSet
	assert.Equal(t, 0, empty.Len())
}

func TestEvidenceSetComparing(t *testing.T) {
	twoParties := []Passage{{SourceID: "1", PartyID: "a"}, {SourceID: "2", PartyID: "b"}}
	comparing := []RetrievalQuery{{PartyID: "a", Comparing: true}, {PartyID: "b", Comparing: true}}

	assert.True(t, (&EvidenceSet{Passages: twoParties, Queries: comparing}).Comparing())
	assert.False(t, (&EvidenceSet{Passages: twoParties, Queries: []RetrievalQuery{{PartyID: "a"}, {PartyID: "b"}}}).Comparing())
	assert.False(t, (&EvidenceSet{Passages: twoParties[:1], Queries: comparing}).Comparing(), "evidence from one party only")

	var empty *EvidenceSet
	assert.False(t, empty.Comparing())
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, TextDelta("x").Terminal())
	assert.False(t, CitationEvent(Citation{Marker: 1}).Terminal())
	assert.True(t, DoneEvent().Terminal())
	assert.True(t, CancelledEvent().Terminal())
	assert.True(t, ErrorEvent(NewError(KindSynthesis, "failed", nil)).Terminal())
}
