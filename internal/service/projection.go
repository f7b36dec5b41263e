package service

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Projection defaults.
const (
	DefaultPerplexity    = 30.0
	MinPerplexity        = 5.0
	MaxPerplexity        = 50.0
	DefaultTSNEIters     = 500
	DefaultTSNELearnRate = 200.0
	DefaultUMAPNeighbors = 15
	DefaultUMAPMinDist   = 0.1
	DefaultUMAPEpochs    = 200
	// reducedDims is the PCA width fed to t-SNE, UMAP and k-means.
	reducedDims = 50
	// minTSNEPoints is the smallest input t-SNE runs on; below it PCA is used.
	minTSNEPoints = 4
)

var errPCAFailed = errors.New("principal component analysis did not converge")

// standardize L2-normalizes every row and returns the n×d matrix.
func standardize(vectors [][]float32) *mat.Dense {
	n, d := len(vectors), len(vectors[0])
	data := make([]float64, 0, n*d)

	for _, v := range vectors {
		row := make([]float64, d)
		for j, x := range v {
			row[j] = float64(x)
		}

		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1/norm, row)
		}

		data = append(data, row...)
	}

	return mat.NewDense(n, d, data)
}

// pcaScores projects the rows of x onto their first m principal components. Missing components
// (m larger than the rank) are zero.
func pcaScores(x *mat.Dense, m int) (*mat.Dense, error) {
	n, d := x.Dims()
	scores := mat.NewDense(n, m, nil)

	if n < 2 {
		return scores, nil
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errPCAFailed
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	_, available := vecs.Dims()
	use := min(m, available)

	centered := mat.DenseCopyOf(x)
	for j := range d {
		mean := stat.Mean(mat.Col(nil, j, x), nil)
		for i := range n {
			centered.Set(i, j, centered.At(i, j)-mean)
		}
	}

	var proj mat.Dense
	proj.Mul(centered, vecs.Slice(0, d, 0, use))

	for i := range n {
		for j := range use {
			scores.Set(i, j, proj.At(i, j))
		}
	}

	return scores, nil
}

// rows returns the rows of m as slices.
func rows(m *mat.Dense) [][]float64 {
	n, _ := m.Dims()
	out := make([][]float64, n)

	for i := range n {
		out[i] = mat.Row(nil, i, m)
	}

	return out
}

// firstTwo returns the first two columns of each point.
func firstTwo(points [][]float64) [][2]float64 {
	out := make([][2]float64, len(points))

	for i, p := range points {
		if len(p) > 0 {
			out[i][0] = p[0]
		}

		if len(p) > 1 {
			out[i][1] = p[1]
		}
	}

	return out
}

// clampPerplexity bounds p to [MinPerplexity, min(MaxPerplexity, n-1)]; the upper bound wins when the
// range is empty.
func clampPerplexity(p float64, n int) float64 {
	if p <= 0 {
		p = DefaultPerplexity
	}

	return min(max(p, MinPerplexity), MaxPerplexity, float64(n-1))
}

func pairwiseSquared(points [][]float64) [][]float64 {
	n := len(points)
	d := make([][]float64, n)

	for i := range n {
		d[i] = make([]float64, n)
	}

	for i := range n {
		for j := i + 1; j < n; j++ {
			v := squaredDistance(points[i], points[j])
			d[i][j], d[j][i] = v, v
		}
	}

	return d
}

// tsneAffinities returns the symmetric joint probabilities P for the given perplexity.
func tsneAffinities(points [][]float64, perplexity float64) [][]float64 {
	n := len(points)
	dist := pairwiseSquared(points)
	target := math.Log(perplexity)
	p := make([][]float64, n)

	for i := range n {
		p[i] = make([]float64, n)
		beta, lo, hi := 1.0, 0.0, math.Inf(1)

		for range 64 {
			var sum, weighted float64

			for j := range n {
				if j == i {
					p[i][j] = 0

					continue
				}

				p[i][j] = math.Exp(-dist[i][j] * beta)
				sum += p[i][j]
				weighted += dist[i][j] * p[i][j]
			}

			if sum == 0 {
				sum = 1e-12
			}

			entropy := math.Log(sum) + beta*weighted/sum
			for j := range n {
				p[i][j] /= sum
			}

			diff := entropy - target
			if math.Abs(diff) < 1e-5 {
				break
			}

			if diff > 0 {
				lo = beta
				if math.IsInf(hi, 1) {
					beta *= 2
				} else {
					beta = (beta + hi) / 2
				}
			} else {
				hi = beta
				beta = (beta + lo) / 2
			}
		}
	}

	for i := range n {
		for j := i + 1; j < n; j++ {
			v := max((p[i][j]+p[j][i])/(2*float64(n)), 1e-12)
			p[i][j], p[j][i] = v, v
		}
	}

	return p
}

// tsne embeds points in two dimensions with exact t-SNE (early exaggeration, momentum and gains).
func tsne(points [][]float64, perplexity float64, iterations int, learningRate float64, rng *rand.Rand) [][2]float64 {
	n := len(points)
	if iterations <= 0 {
		iterations = DefaultTSNEIters
	}

	if learningRate <= 0 {
		learningRate = DefaultTSNELearnRate
	}

	p := tsneAffinities(points, perplexity)
	exaggeration := 12.0
	exaggerationIters := min(100, iterations/4)

	y := make([][2]float64, n)
	velocity := make([][2]float64, n)
	gains := make([][2]float64, n)
	grad := make([][2]float64, n)
	num := make([][]float64, n)

	for i := range n {
		y[i] = [2]float64{rng.NormFloat64() * 1e-4, rng.NormFloat64() * 1e-4}
		gains[i] = [2]float64{1, 1}
		num[i] = make([]float64, n)
	}

	for iter := range iterations {
		scale := 1.0
		if iter < exaggerationIters {
			scale = exaggeration
		}

		momentum := 0.5
		if iter >= 250 {
			momentum = 0.8
		}

		var sumNum float64

		for i := range n {
			for j := i + 1; j < n; j++ {
				dx, dy := y[i][0]-y[j][0], y[i][1]-y[j][1]
				v := 1 / (1 + dx*dx + dy*dy)
				num[i][j], num[j][i] = v, v
				sumNum += 2 * v
			}
		}

		if sumNum == 0 {
			sumNum = 1e-12
		}

		for i := range n {
			grad[i] = [2]float64{}

			for j := range n {
				if i == j {
					continue
				}

				q := max(num[i][j]/sumNum, 1e-12)
				mult := 4 * (scale*p[i][j] - q) * num[i][j]
				grad[i][0] += mult * (y[i][0] - y[j][0])
				grad[i][1] += mult * (y[i][1] - y[j][1])
			}
		}

		var mean [2]float64

		for i := range n {
			for d := range 2 {
				if (grad[i][d] > 0) != (velocity[i][d] > 0) {
					gains[i][d] += 0.2
				} else {
					gains[i][d] *= 0.8
				}

				gains[i][d] = max(gains[i][d], 0.01)
				velocity[i][d] = momentum*velocity[i][d] - learningRate*gains[i][d]*grad[i][d]
				y[i][d] += velocity[i][d]
				mean[d] += y[i][d]
			}
		}

		for i := range n {
			y[i][0] -= mean[0] / float64(n)
			y[i][1] -= mean[1] / float64(n)
		}
	}

	return y
}

// umapCurve fits a and b of 1/(1+a*d^(2b)) to the min_dist membership curve by grid search.
func umapCurve(minDist float64) (float64, float64) {
	const spread = 1.0

	xs := make([]float64, 100)
	target := make([]float64, len(xs))

	for i := range xs {
		xs[i] = 3 * spread * float64(i+1) / float64(len(xs))
		if xs[i] < minDist {
			target[i] = 1
		} else {
			target[i] = math.Exp(-(xs[i] - minDist) / spread)
		}
	}

	bestA, bestB, bestErr := 1.0, 1.0, math.Inf(1)

	for a := 0.1; a <= 5; a += 0.05 {
		for b := 0.3; b <= 2; b += 0.02 {
			var sse float64

			for i, x := range xs {
				d := 1/(1+a*math.Pow(x, 2*b)) - target[i]
				sse += d * d
			}

			if sse < bestErr {
				bestA, bestB, bestErr = a, b, sse
			}
		}
	}

	return bestA, bestB
}

type umapEdge struct {
	i, j   int
	weight float64
}

// umapGraph builds the symmetric fuzzy k-nearest-neighbor graph.
func umapGraph(points [][]float64, k int) []umapEdge {
	n := len(points)
	dist := pairwiseSquared(points)
	weights := make([]map[int]float64, n)
	target := math.Log2(float64(k))

	for i := range n {
		order := make([]int, 0, n-1)

		for j := range n {
			if j != i {
				order = append(order, j)
			}
		}

		slices.SortFunc(order, func(a, b int) int {
			switch {
			case dist[i][a] < dist[i][b]:
				return -1
			case dist[i][a] > dist[i][b]:
				return 1
			default:
				return a - b
			}
		})

		neighbors := order[:k]
		rho := math.Sqrt(dist[i][neighbors[0]])
		sigma, lo, hi := 1.0, 0.0, math.Inf(1)

		for range 64 {
			var sum float64
			for _, j := range neighbors {
				sum += math.Exp(-max(math.Sqrt(dist[i][j])-rho, 0) / sigma)
			}

			if math.Abs(sum-target) < 1e-5 {
				break
			}

			if sum > target {
				hi = sigma
				sigma = (lo + hi) / 2
			} else {
				lo = sigma
				if math.IsInf(hi, 1) {
					sigma *= 2
				} else {
					sigma = (lo + hi) / 2
				}
			}
		}

		weights[i] = make(map[int]float64, k)
		for _, j := range neighbors {
			weights[i][j] = math.Exp(-max(math.Sqrt(dist[i][j])-rho, 0) / sigma)
		}
	}

	var edges []umapEdge

	for i := range n {
		for j := i + 1; j < n; j++ {
			a, b := weights[i][j], weights[j][i]
			if w := a + b - a*b; w > 0 {
				edges = append(edges, umapEdge{i: i, j: j, weight: w})
			}
		}
	}

	return edges
}

func clip(v float64) float64 {
	return min(max(v, -4), 4)
}

// umap lays out the fuzzy neighbor graph in two dimensions with attractive and negative-sampling
// updates, starting from init.
func umap(points [][]float64, init [][2]float64, neighbors int, minDist float64, epochs int, rng *rand.Rand) [][2]float64 {
	n := len(points)
	if neighbors <= 0 {
		neighbors = DefaultUMAPNeighbors
	}

	if minDist <= 0 {
		minDist = DefaultUMAPMinDist
	}

	if epochs <= 0 {
		epochs = DefaultUMAPEpochs
	}

	neighbors = min(max(neighbors, 2), n-1)
	a, b := umapCurve(minDist)
	edges := umapGraph(points, neighbors)

	y := scaleLayout(init, 10)

	const negativeSamples = 5

	for epoch := range epochs {
		alpha := 1 - float64(epoch)/float64(epochs)

		for _, e := range edges {
			if rng.Float64() > e.weight {
				continue
			}

			yi, yj := &y[e.i], &y[e.j]
			dx, dy := yi[0]-yj[0], yi[1]-yj[1]

			if d2 := dx*dx + dy*dy; d2 > 0 {
				coeff := -2 * a * b * math.Pow(d2, b-1) / (a*math.Pow(d2, b) + 1)
				gx, gy := clip(coeff*dx)*alpha, clip(coeff*dy)*alpha
				yi[0] += gx
				yi[1] += gy
				yj[0] -= gx
				yj[1] -= gy
			}

			for range negativeSamples {
				k := rng.IntN(n)
				if k == e.i {
					continue
				}

				dx, dy := yi[0]-y[k][0], yi[1]-y[k][1]
				d2 := dx*dx + dy*dy
				coeff := 2 * b / ((0.001 + d2) * (a*math.Pow(d2, b) + 1))
				yi[0] += clip(coeff*dx) * alpha
				yi[1] += clip(coeff*dy) * alpha
			}
		}
	}

	return y
}

// scaleLayout rescales coords so the largest absolute component equals limit.
func scaleLayout(coords [][2]float64, limit float64) [][2]float64 {
	out := slices.Clone(coords)

	var maxAbs float64
	for _, c := range out {
		maxAbs = max(maxAbs, math.Abs(c[0]), math.Abs(c[1]))
	}

	if maxAbs == 0 {
		return out
	}

	for i := range out {
		out[i][0] *= limit / maxAbs
		out[i][1] *= limit / maxAbs
	}

	return out
}

func allFinite(coords [][2]float64) bool {
	for _, c := range coords {
		if math.IsNaN(c[0]) || math.IsInf(c[0], 0) || math.IsNaN(c[1]) || math.IsInf(c[1], 0) {
			return false
		}
	}

	return true
}
