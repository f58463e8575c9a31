package retrieval

import "sort"

// Scored is one candidate with its fused score.
type Scored struct {
	Key   string
	Score float64
}

// rank orders candidates by raw score descending, ties broken by key, and
// returns each candidate's 0-based rank.
func rank(scores map[string]float64) map[string]int {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		return keys[i] < keys[j]
	})
	ranks := make(map[string]int, len(keys))
	for i, k := range keys {
		ranks[k] = i
	}
	return ranks
}

// Fuse combines a vector-ranked and a fulltext-ranked candidate list with
// reciprocal rank fusion. Each input maps candidate to its best raw score;
// a candidate present in both lists sums both reciprocal contributions.
// Output is ordered by fused score descending, ties broken by key.
func Fuse(vector, fulltext map[string]float64, k int) []Scored {
	vRanks := rank(vector)
	fRanks := rank(fulltext)

	fused := make(map[string]float64, len(vector)+len(fulltext))
	for key, r := range vRanks {
		fused[key] += 1.0 / float64(k+r)
	}
	for key, r := range fRanks {
		fused[key] += 1.0 / float64(k+r)
	}

	out := make([]Scored, 0, len(fused))
	for key, score := range fused {
		out = append(out, Scored{Key: key, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// topN truncates a fused list to its first n entries.
func topN(scored []Scored, n int) []Scored {
	if n > 0 && len(scored) > n {
		return scored[:n]
	}
	return scored
}
