// Package embeddings provides vector math for embeddings (normalization, similarity and distances).
package embeddings

import (
	"math"
)

// NormalizeL2 scales vector to unit length in place. Zero vectors are left unchanged.
func NormalizeL2(vector []float32) {
	var sumSquares float64

	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)

	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}

// Normalized returns a unit-length copy of vector.
func Normalized(vector []float32) []float32 {
	out := make([]float32, len(vector))
	copy(out, vector)
	NormalizeL2(out)

	return out
}

// Norm returns the L2 norm of vector.
func Norm(vector []float32) float64 {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	return math.Sqrt(sumSquares)
}

// IsNormalized reports whether the L2 norm is within tol of 1.
func IsNormalized(vector []float32, tol float64) bool {
	return math.Abs(Norm(vector)-1) <= tol
}

// AllFinite reports whether every component is neither NaN nor Inf.
func AllFinite(vector []float32) bool {
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}

	return true
}
