package service

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/cargohub/hub/internal/models"
	pkgembeddings "github.com/cargohub/hub/pkg/embeddings"
)

// Exact-match boost: each original query term found in the indexed text adds ExactMatchWeight,
// up to ExactMatchCap.
const (
	ExactMatchWeight = 0.05
	ExactMatchCap    = 0.15
)

const (
	fragmentWindow = 6
	maxFragments   = 3
)

// termMatch reports which terms occur in text as whole words (phrases as consecutive words) and the
// token positions they cover.
func termMatch(terms []string, textTokens []string) ([]string, []bool) {
	covered := make([]bool, len(textTokens))
	matched := make([]string, 0, len(terms))

	for _, term := range terms {
		words := strings.Fields(term)
		found := false

		for i := 0; i+len(words) <= len(textTokens); i++ {
			if !slices.Equal(textTokens[i:i+len(words)], words) {
				continue
			}

			found = true

			for j := range words {
				covered[i+j] = true
			}
		}

		if found {
			matched = append(matched, term)
		}
	}

	return matched, covered
}

// exactMatchBoost returns the boost for the number of matched terms.
func exactMatchBoost(matched int) float64 {
	return min(float64(matched)*ExactMatchWeight, ExactMatchCap)
}

// combinedScore maps cosine from [-1,1] to [0,1] and adds the boost.
func combinedScore(cosine, boost float64) float64 {
	normalized := (cosine + 1) / 2

	return min(max(normalized, 0), 1) + boost
}

// topFragments returns up to maxFragments non-overlapping windows of the text with the most matched
// tokens, in text order.
func topFragments(textTokens []string, covered []bool) []string {
	type window struct {
		start, hits int
	}

	n := min(fragmentWindow, len(textTokens))

	var windows []window

	for start := 0; start+n <= len(textTokens); start++ {
		hits := 0

		for _, c := range covered[start : start+n] {
			if c {
				hits++
			}
		}

		if hits > 0 {
			windows = append(windows, window{start: start, hits: hits})
		}
	}

	slices.SortStableFunc(windows, func(a, b window) int {
		return cmp.Compare(b.hits, a.hits)
	})

	var picked []window

	for _, w := range windows {
		if len(picked) == maxFragments {
			break
		}

		overlaps := slices.ContainsFunc(picked, func(p window) bool {
			return w.start < p.start+n && p.start < w.start+n
		})
		if !overlaps {
			picked = append(picked, w)
		}
	}

	slices.SortFunc(picked, func(a, b window) int { return cmp.Compare(a.start, b.start) })

	out := make([]string, len(picked))
	for i, w := range picked {
		out[i] = strings.Join(textTokens[w.start:w.start+n], " ")
	}

	return out
}

// relevanceReason names the matched terms and strongest fragments.
func relevanceReason(cosine float64, terms, matched, fragments []string) string {
	if len(matched) == 0 {
		return fmt.Sprintf("semantic similarity %.2f; no exact term matches", cosine)
	}

	reason := fmt.Sprintf("semantic similarity %.2f; matched %d of %d query terms (%s)",
		cosine, len(matched), len(terms), strings.Join(matched, ", "))
	if len(fragments) > 0 {
		reason += fmt.Sprintf(`; strongest fragment "%s"`, fragments[0])
	}

	return reason
}

// scoreCandidate computes every metric of one candidate against the query vector and terms.
func scoreCandidate(query []float32, terms []string, rec *models.EmbeddingRecord) scoredCandidate {
	m := pkgembeddings.Compare(query, rec.Vector)
	tokens := strings.Fields(rec.Text)
	matched, covered := termMatch(terms, tokens)
	boost := exactMatchBoost(len(matched))
	fragments := topFragments(tokens, covered)

	return scoredCandidate{
		record: rec,
		item: models.SearchResultItem{
			CosineSimilarity:  m.Cosine,
			DotProduct:        m.Dot,
			EuclideanDistance: m.Euclidean,
			ManhattanDistance: m.Manhattan,
			ExactMatchBoost:   boost,
			CombinedScore:     combinedScore(m.Cosine, boost),
			QueryNorm:         m.QueryNorm,
			DocumentNorm:      m.DocumentNorm,
			MatchedTerms:      matched,
			MatchedFragments:  fragments,
			RelevanceReason:   relevanceReason(m.Cosine, terms, matched, fragments),
		},
	}
}

type scoredCandidate struct {
	record *models.EmbeddingRecord
	item   models.SearchResultItem
}

// metricValue returns the value ordered by metric.
func metricValue(item *models.SearchResultItem, metric models.OrderingMetric) float64 {
	switch metric {
	case models.OrderingCosine:
		return item.CosineSimilarity
	case models.OrderingDotProduct:
		return item.DotProduct
	case models.OrderingEuclidean:
		return item.EuclideanDistance
	case models.OrderingManhattan:
		return item.ManhattanDistance
	default:
		return item.CombinedScore
	}
}

// sortCandidates orders candidates by metric (distances ascending, similarities descending), then by
// shipment id ascending.
func sortCandidates(candidates []scoredCandidate, metric models.OrderingMetric) {
	asc := metric.Ascending()

	slices.SortFunc(candidates, func(a, b scoredCandidate) int {
		va, vb := metricValue(&a.item, metric), metricValue(&b.item, metric)

		c := cmp.Compare(va, vb)
		if !asc {
			c = -c
		}

		if c != 0 {
			return c
		}

		return cmp.Compare(a.record.ShipmentID, b.record.ShipmentID)
	})
}
