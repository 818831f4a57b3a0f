package retrieval

import (
	"sort"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// ranked orders passages by score descending, then party and source ID
// ascending so equal scores merge deterministically.
func ranked(ps []domain.Passage) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PartyID != b.PartyID {
			return a.PartyID < b.PartyID
		}
		return a.SourceID < b.SourceID
	})
}

// Merge deduplicates passages by (source ID, party ID), keeping the highest
// score, and truncates the ranked result to budget.
//
// Each party present keeps its best floor passages before the rest of the
// budget is filled by rank. When floor*parties exceeds the budget, the floor
// is reduced to budget/parties. When even one passage per party does not fit,
// the parties whose best passages rank highest get one slot each.
func Merge(lists [][]domain.Passage, budget, floor int) []domain.Passage {
	best := make(map[domain.PassageKey]domain.Passage)
	for _, list := range lists {
		for _, p := range list {
			k := p.Key()
			if cur, ok := best[k]; !ok || p.Score > cur.Score {
				best[k] = p
			}
		}
	}

	all := make([]domain.Passage, 0, len(best))
	for _, p := range best {
		all = append(all, p)
	}
	ranked(all)

	if budget <= 0 {
		return nil
	}
	if len(all) <= budget {
		return all
	}

	// Parties in order of their best passage, and each party's passages in
	// rank order.
	var parties []string
	byParty := make(map[string][]int)
	for i, p := range all {
		if _, ok := byParty[p.PartyID]; !ok {
			parties = append(parties, p.PartyID)
		}
		byParty[p.PartyID] = append(byParty[p.PartyID], i)
	}

	selected := make([]bool, len(all))
	taken := 0

	if floor > 0 {
		effFloor := floor
		if n := len(parties); n*floor > budget {
			effFloor = budget / n
		}
		if effFloor == 0 {
			for _, id := range parties[:budget] {
				selected[byParty[id][0]] = true
				taken++
			}
		} else {
			for _, id := range parties {
				idxs := byParty[id]
				for k := 0; k < effFloor && k < len(idxs); k++ {
					selected[idxs[k]] = true
					taken++
				}
			}
		}
	}

	for i := range all {
		if taken >= budget {
			break
		}
		if !selected[i] {
			selected[i] = true
			taken++
		}
	}

	out := make([]domain.Passage, 0, budget)
	for i, p := range all {
		if selected[i] {
			out = append(out, p)
		}
	}
	return out
}
