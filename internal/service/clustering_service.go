package service

import (
	"math"
	"math/rand/v2"

	"github.com/cargohub/hub/internal/models"
)

// Clustering limits.
const (
	DefaultMaxK         = 10
	maxElbowK           = 20
	kMeansIterations    = 100
	elbowIterations     = 50
	maxSilhouettePoints = 1000
)

// Clustering is a k-means assignment over a set of points.
type Clustering struct {
	Labels     []int
	Centroids  [][]float64
	K          int
	Inertia    float64
	Silhouette *float64
	Elbow      *models.ElbowAnalysis
}

// Cluster runs k-means on points. A nil k picks k with the elbow method over [1, maxK]. Results are
// deterministic for a fixed seed.
func Cluster(points [][]float64, k *int, maxK int, seed int64) Clustering {
	n := len(points)
	if n == 0 {
		return Clustering{Labels: []int{}}
	}

	var elbow *models.ElbowAnalysis

	chosen := 1

	switch {
	case k != nil:
		chosen = min(max(*k, 1), n)
	case n >= 3:
		if maxK <= 0 {
			maxK = DefaultMaxK
		}

		elbow = findOptimalK(points, min(maxK, maxElbowK, n), seed)
		chosen = elbow.OptimalK
	}

	labels, centroids := kMeans(points, chosen, kMeansIterations, newRand(seed))

	out := Clustering{
		Labels:    labels,
		Centroids: centroids,
		K:         chosen,
		Inertia:   inertia(points, labels, centroids),
		Elbow:     elbow,
	}

	if chosen >= 2 && n <= maxSilhouettePoints {
		s := silhouetteScore(points, labels, chosen)
		out.Silhouette = &s
	}

	return out
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible layout, not security
}

// findOptimalK computes the inertia curve for k in [1, maxK] and picks its knee.
func findOptimalK(points [][]float64, maxK int, seed int64) *models.ElbowAnalysis {
	const minK = 1

	kValues := make([]int, 0, maxK-minK+1)
	inertias := make([]float64, 0, maxK-minK+1)

	for k := minK; k <= maxK; k++ {
		labels, centroids := kMeans(points, k, elbowIterations, newRand(seed))
		kValues = append(kValues, k)
		inertias = append(inertias, inertia(points, labels, centroids))
	}

	return &models.ElbowAnalysis{KValues: kValues, Inertias: inertias, OptimalK: findElbowPoint(kValues, inertias)}
}

// kMeans assigns points to k clusters starting from k-means++ centroids.
func kMeans(points [][]float64, k, maxIterations int, rng *rand.Rand) ([]int, [][]float64) {
	dim := len(points[0])
	centroids := initializeCentroidsKMeansPlusPlus(points, k, rng)
	assignments := make([]int, len(points))

	for iter := range maxIterations {
		changed := false

		for i, p := range points {
			nearest := findNearestCentroid(p, centroids)
			if assignments[i] != nearest {
				assignments[i] = nearest
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)

		for c := range k {
			sums[c] = make([]float64, dim)
		}

		for i, p := range points {
			c := assignments[i]
			counts[c]++

			for d, v := range p {
				sums[c][d] += v
			}
		}

		for c := range k {
			if counts[c] == 0 {
				continue
			}

			for d := range sums[c] {
				sums[c][d] /= float64(counts[c])
			}

			centroids[c] = sums[c]
		}
	}

	return assignments, centroids
}

// initializeCentroidsKMeansPlusPlus picks each next centroid with probability proportional to the
// squared distance from the closest centroid chosen so far.
func initializeCentroidsKMeansPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clonePoint(points[rng.IntN(n)]))

	distances := make([]float64, n)

	for len(centroids) < k {
		var total float64

		for i, p := range points {
			minDist := math.MaxFloat64
			for _, c := range centroids {
				minDist = min(minDist, squaredDistance(p, c))
			}

			distances[i] = minDist
			total += minDist
		}

		selected := 0

		if total > 0 {
			target := rng.Float64() * total

			var cum float64

			for i, d := range distances {
				cum += d
				if cum >= target {
					selected = i

					break
				}
			}
		} else {
			selected = len(centroids) % n
		}

		centroids = append(centroids, clonePoint(points[selected]))
	}

	return centroids
}

func clonePoint(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)

	return out
}

func findNearestCentroid(p []float64, centroids [][]float64) int {
	minDist := math.MaxFloat64
	nearest := 0

	for i, c := range centroids {
		if d := squaredDistance(p, c); d < minDist {
			minDist = d
			nearest = i
		}
	}

	return nearest
}

func squaredDistance(a, b []float64) float64 {
	var sum float64

	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}

	return sum
}

// inertia is the within-cluster sum of squared distances.
func inertia(points [][]float64, labels []int, centroids [][]float64) float64 {
	var total float64
	for i, p := range points {
		total += squaredDistance(p, centroids[labels[i]])
	}

	return total
}

// silhouetteScore is the mean silhouette over points; it ranges from -1 to 1, higher is better.
func silhouetteScore(points [][]float64, labels []int, k int) float64 {
	var (
		total float64
		count int
	)

	sums := make([]float64, k)
	sizes := make([]int, k)

	for _, l := range labels {
		sizes[l]++
	}

	for i, p := range points {
		clear(sums)

		for j, q := range points {
			if i != j {
				sums[labels[j]] += math.Sqrt(squaredDistance(p, q))
			}
		}

		own := labels[i]
		if sizes[own] <= 1 {
			continue
		}

		a := sums[own] / float64(sizes[own]-1)
		b := math.MaxFloat64

		for c := range k {
			if c != own && sizes[c] > 0 {
				b = min(b, sums[c]/float64(sizes[c]))
			}
		}

		if m := math.Max(a, b); m > 0 && b != math.MaxFloat64 {
			total += (b - a) / m
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return total / float64(count)
}

// findElbowPoint picks the k farthest from the line joining the first and last points of the
// inertia curve (kneedle).
func findElbowPoint(kValues []int, inertias []float64) int {
	if len(kValues) < 3 {
		return kValues[len(kValues)-1]
	}

	n := len(kValues)
	x1, y1 := float64(kValues[0]), inertias[0]
	x2, y2 := float64(kValues[n-1]), inertias[n-1]
	den := math.Hypot(y2-y1, x2-x1)

	maxDist := 0.0
	elbowIdx := 0

	for i := 1; i < n-1; i++ {
		x0, y0 := float64(kValues[i]), inertias[i]

		dist := math.Abs((y2-y1)*x0-(x2-x1)*y0+x2*y1-y2*x1) / den
		if dist > maxDist {
			maxDist = dist
			elbowIdx = i
		}
	}

	return kValues[elbowIdx]
}
