package embeddings

import "math"

// Dot returns the dot product of a and b over their common length.
func Dot(a, b []float32) float64 {
	n := min(len(a), len(b))

	var sum float64
	for i := range n {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}

// Cosine returns the cosine similarity of a and b in [-1, 1]; 0 when either vector is zero.
func Cosine(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}

	c := Dot(a, b) / (na * nb)

	return math.Max(-1, math.Min(1, c))
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float32) float64 {
	n := min(len(a), len(b))

	var sum float64
	for i := range n {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}

	return math.Sqrt(sum)
}

// Manhattan returns the L1 distance between a and b.
func Manhattan(a, b []float32) float64 {
	n := min(len(a), len(b))

	var sum float64
	for i := range n {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}

	return sum
}

// Metrics bundles every similarity measure between a query and a document vector.
type Metrics struct {
	Cosine       float64
	Dot          float64
	Euclidean    float64
	Manhattan    float64
	QueryNorm    float64
	DocumentNorm float64
}

// Compare computes all measures between query and doc.
func Compare(query, doc []float32) Metrics {
	return Metrics{
		Cosine:       Cosine(query, doc),
		Dot:          Dot(query, doc),
		Euclidean:    Euclidean(query, doc),
		Manhattan:    Manhattan(query, doc),
		QueryNorm:    Norm(query),
		DocumentNorm: Norm(doc),
	}
}
