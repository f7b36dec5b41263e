package service

import "math"

// Metric cutoffs.
const (
	NDCGCutoff      = 10
	PrecisionCutoff = 5
)

// ReciprocalRank is 1/r for the first rank r (1-based) holding a relevant id, 0 when none does.
func ReciprocalRank(ranking []int64, relevant map[int64]bool) float64 {
	for i, id := range ranking {
		if relevant[id] {
			return 1 / float64(i+1)
		}
	}

	return 0
}

// NDCG is binary-relevance nDCG@k. The ideal ranking places min(|relevant|, k) relevant ids first.
func NDCG(ranking []int64, relevant map[int64]bool, k int) float64 {
	var dcg float64

	for i, id := range ranking[:min(k, len(ranking))] {
		if relevant[id] {
			dcg += 1 / math.Log2(float64(i+2))
		}
	}

	var idcg float64
	for i := range min(len(relevant), k) {
		idcg += 1 / math.Log2(float64(i+2))
	}

	if idcg == 0 {
		return 0
	}

	return dcg / idcg
}

// PrecisionAt is the share of the top k positions holding a relevant id. The denominator is always k.
func PrecisionAt(ranking []int64, relevant map[int64]bool, k int) float64 {
	if k <= 0 {
		return 0
	}

	hits := 0

	for _, id := range ranking[:min(k, len(ranking))] {
		if relevant[id] {
			hits++
		}
	}

	return float64(hits) / float64(k)
}

// MRRBand is the presentation band of an MRR value.
func MRRBand(mrr float64) string {
	switch {
	case mrr >= 0.7:
		return "excellent"
	case mrr >= 0.5:
		return "good"
	case mrr >= 0.3:
		return "moderate"
	default:
		return "low"
	}
}

func relevantSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}
