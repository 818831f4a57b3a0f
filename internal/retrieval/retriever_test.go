package retrieval

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

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/evidence"
)

func passages(partyID string, n int, top float64) []domain.Passage {
	out := make([]domain.Passage, n)
	for i := range out {
		out[i] = domain.Passage{
			SourceID: fmt.Sprintf("%s-doc-%02d", partyID, i),
			PartyID:  partyID,
			Text:     "passage",
			Score:    top - float64(i)*0.01,
		}
	}
	return out
}

func countByParty(ps []domain.Passage) map[string]int {
	m := make(map[string]int)
	for _, p := range ps {
		m[p.PartyID]++
	}
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func query(ids ...string) []domain.RetrievalQuery {
	qs := make([]domain.RetrievalQuery, len(ids))
	for i, id := range ids {
		qs[i] = domain.RetrievalQuery{Text: "position on X", PartyID: id, Budget: 10}
	}
	return qs
}

func TestMergeKeepsPerPartyFloor(t *testing.T) {
	lists := [][]domain.Passage{
		passages("party-a", 10, 0.95),
		passages("party-b", 10, 0.60),
		passages("party-c", 10, 0.40),
	}

	got := Merge(lists, 12, 2)
	require.Len(t, got, 12)

	counts := countByParty(got)
	assert.Equal(t, 8, counts["party-a"])
	assert.Equal(t, 2, counts["party-b"])
	assert.Equal(t, 2, counts["party-c"])

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestMergeDeduplicatesKeepingBestScore(t *testing.T) {
	a := domain.Passage{SourceID: "doc-1", PartyID: "party-a", Score: 0.4}
	aBetter := domain.Passage{SourceID: "doc-1", PartyID: "party-a", Score: 0.7}
	bSameSource := domain.Passage{SourceID: "doc-1", PartyID: "party-b", Score: 0.5}

	got := Merge([][]domain.Passage{{a}, {aBetter, bSameSource}}, 12, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0.7, got[0].Score)
	assert.Equal(t, "party-b", got[1].PartyID)
}

func TestMergeFloorWhenPartyHasFewPassages(t *testing.T) {
	lists := [][]domain.Passage{
		passages("party-a", 15, 0.9),
		passages("party-b", 1, 0.1),
	}

	got := Merge(lists, 12, 2)
	require.Len(t, got, 12)
	assert.Equal(t, 1, countByParty(got)["party-b"])
}

func TestMergeReducesFloorForManyParties(t *testing.T) {
	var lists [][]domain.Passage
	for i := 0; i < 7; i++ {
		lists = append(lists, passages(fmt.Sprintf("party-%d", i), 5, 0.9-float64(i)*0.1))
	}

	got := Merge(lists, 12, 2)
	require.Len(t, got, 12)
	counts := countByParty(got)
	assert.Len(t, counts, 7)
	for id, n := range counts {
		assert.GreaterOrEqual(t, n, 1, id)
	}
}

func TestMergeMorePartiesThanBudget(t *testing.T) {
	var lists [][]domain.Passage
	for i := 0; i < 5; i++ {
		lists = append(lists, passages(fmt.Sprintf("party-%d", i), 3, 0.9-float64(i)*0.1))
	}

	got := Merge(lists, 3, 2)
	require.Len(t, got, 3)
	assert.Equal(t, map[string]int{"party-0": 1, "party-1": 1, "party-2": 1}, countByParty(got))
}

func TestMergeIsDeterministic(t *testing.T) {
	lists := [][]domain.Passage{
		{{SourceID: "x", PartyID: "b", Score: 0.5}, {SourceID: "y", PartyID: "a", Score: 0.5}},
		{{SourceID: "a", PartyID: "a", Score: 0.5}},
	}
	first := Merge(lists, 12, 2)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Merge(lists, 12, 2))
	}
	assert.Equal(t, "a", first[0].SourceID)
	assert.Equal(t, "y", first[1].SourceID)
	assert.Equal(t, "x", first[2].SourceID)
}

func TestRetrieveFansOutAndMerges(t *testing.T) {
	data := map[string][]domain.Passage{
		"party-a": passages("party-a", 10, 0.95),
		"party-b": passages("party-b", 10, 0.60),
		"party-c": passages("party-c", 10, 0.40),
	}
	var inflight, peak atomic.Int32
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return data[partyID], nil
	})

	r := New(adapter, testConfig(), nil)
	set, err := r.Retrieve(t.Context(), query("party-a", "party-b", "party-c"))
	require.NoError(t, err)

	assert.Equal(t, 12, set.Len())
	assert.False(t, set.Degraded)
	assert.Greater(t, peak.Load(), int32(1))
	counts := countByParty(set.Passages)
	assert.GreaterOrEqual(t, counts["party-b"], 2)
	assert.GreaterOrEqual(t, counts["party-c"], 2)
	assert.Len(t, set.Queries, 3)
}

func TestRetrieveRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return passages(partyID, 2, 0.8), nil
	})

	set, err := New(adapter, testConfig(), nil).Retrieve(t.Context(), query("party-a"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, set.Len())
}

func TestRetrievePartialFailureIsDegraded(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		mu.Lock()
		calls[partyID]++
		mu.Unlock()
		if partyID == "party-b" {
			return nil, errors.New("backend down")
		}
		return passages(partyID, 3, 0.8), nil
	})

	set, err := New(adapter, testConfig(), nil).Retrieve(t.Context(), query("party-a", "party-b"))
	require.NoError(t, err)
	assert.True(t, set.Degraded)
	assert.Equal(t, []string{"party-b"}, set.FailedParties)
	assert.Equal(t, []string{"party-a"}, set.PartyIDs())
	assert.Equal(t, 3, calls["party-b"])
}

func TestRetrieveUnavailableIndexIsNotRetried(t *testing.T) {
	reg := evidence.NewRegistry()
	var calls atomic.Int32
	reg.Register("party-a", evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		calls.Add(1)
		return passages(partyID, 2, 0.8), nil
	}))

	set, err := New(reg, testConfig(), nil).Retrieve(t.Context(), query("party-a", "party-x"))
	require.NoError(t, err)
	assert.False(t, set.Degraded)
	assert.Equal(t, []string{"party-x"}, set.UnavailableParties)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrieveAllFailing(t *testing.T) {
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		return nil, errors.New("backend down")
	})

	_, err := New(adapter, testConfig(), nil).Retrieve(t.Context(), query("party-a", "party-b"))
	require.Error(t, err)
	assert.Equal(t, domain.KindRetrieval, domain.KindOf(err))

	_, err = New(evidence.NewRegistry(), testConfig(), nil).Retrieve(t.Context(), query("party-a"))
	assert.Equal(t, domain.KindRetrieval, domain.KindOf(err))

	_, err = New(adapter, testConfig(), nil).Retrieve(t.Context(), nil)
	assert.Equal(t, domain.KindRetrieval, domain.KindOf(err))
}

func TestRetrieveTimeout(t *testing.T) {
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		if partyID == "party-a" {
			return passages(partyID, 2, 0.8), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := New(adapter, cfg, nil).Retrieve(t.Context(), query("party-a", "party-b"))
	require.Error(t, err)
	assert.Equal(t, domain.KindRetrievalTimeout, domain.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrieveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	adapter := evidence.AdapterFunc(func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := New(adapter, testConfig(), nil).Retrieve(ctx, query("party-a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeClampsAndStampsParty(t *testing.T) {
	in := []domain.Passage{
		{SourceID: "a", Score: 1.4},
		{SourceID: "b", Score: -0.2},
		{SourceID: "", Score: 0.5},
		{SourceID: "c", Score: 0.5},
	}
	got := normalize(in, domain.RetrievalQuery{PartyID: "party-a", Budget: 2})
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, "c", got[1].SourceID)
	assert.Equal(t, "party-a", got[0].PartyID)
}
