package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// DefaultVisualizationMaxPoints caps a projection when neither the request nor the service sets a limit.
const DefaultVisualizationMaxPoints = 2000

const snippetLength = 80

// ModelResolver resolves a model id (empty for the default) to its catalog entry.
type ModelResolver interface {
	Spec(model string) (embeddings.ModelSpec, error)
}

// VisualizationService projects stored embeddings to two dimensions and clusters them.
type VisualizationService struct {
	store     EmbeddingStore
	models    ModelResolver
	policy    AccessPolicy
	maxPoints int
	logger    *slog.Logger
}

// VisualizationServiceParams configures VisualizationService.
type VisualizationServiceParams struct {
	Store     EmbeddingStore
	Models    ModelResolver
	Policy    AccessPolicy
	MaxPoints int
	Logger    *slog.Logger
}

// NewVisualizationService creates a VisualizationService. Policy defaults to OwnerAccessPolicy.
func NewVisualizationService(p VisualizationServiceParams) *VisualizationService {
	s := &VisualizationService{
		store:     p.Store,
		models:    p.Models,
		policy:    p.Policy,
		maxPoints: p.MaxPoints,
		logger:    p.Logger,
	}

	if s.policy == nil {
		s.policy = OwnerAccessPolicy{}
	}

	if s.maxPoints <= 0 {
		s.maxPoints = DefaultVisualizationMaxPoints
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// Project selects a finite subset of embeddings visible to principal, reduces them to 2-D with the
// requested method and optionally clusters them.
func (s *VisualizationService) Project(
	ctx context.Context, principal models.Principal, req *models.ProjectionRequest,
) (*models.Projection, error) {
	method, err := models.ParseProjectionMethod(string(req.Method))
	if err != nil {
		return nil, huberrors.NewValidationError("method", err.Error())
	}

	spec, err := s.models.Spec(req.Selector.Model)
	if err != nil {
		return nil, err
	}

	sel := req.Selector
	sel.Model = spec.ID

	if err := s.policy.Restrict(principal, &sel.Filters); err != nil {
		return nil, err
	}

	out := &models.Projection{
		Method:          method,
		RequestedMethod: method,
		Coords:          [][2]float64{},
		Labels:          []int{},
		Metadata:        []models.PointMetadata{},
	}

	switch {
	case sel.MaxPoints <= 0:
		sel.MaxPoints = s.maxPoints
	case sel.MaxPoints > s.maxPoints:
		out.Warnings = append(out.Warnings, fmt.Sprintf("max_points capped at %d", s.maxPoints))
		sel.MaxPoints = s.maxPoints
	}

	records, err := s.store.Select(ctx, &sel)
	if err != nil {
		return nil, mapDeadline(ctx, fmt.Errorf("select embeddings: %w", err), "visualization select")
	}

	records = slices.DeleteFunc(records, func(r models.EmbeddingRecord) bool {
		return len(r.Vector) != spec.Dimension || !s.policy.Allows(principal, r.Attributes)
	})

	if len(records) == 0 {
		out.Warnings = append(out.Warnings, "no embeddings match the selection")

		return out, nil
	}

	if err := s.reduce(out, records, req.Params); err != nil {
		return nil, err
	}

	out.Metadata = pointMetadata(records)

	s.logger.Info("projection computed",
		"model", spec.ID,
		"method", out.Method,
		"requested_method", out.RequestedMethod,
		"points", len(records),
		"k", out.K,
	)

	return out, nil
}

// reduce fills coords, labels and cluster statistics on out.
func (s *VisualizationService) reduce(out *models.Projection, records []models.EmbeddingRecord, params models.ProjectionParams) error {
	n := len(records)
	vectors := make([][]float32, n)
	states := make([]models.ShipmentState, n)

	for i, r := range records {
		vectors[i] = r.Vector
		states[i] = r.Attributes.State
	}

	x := standardize(vectors)
	_, d := x.Dims()

	scores, err := pcaScores(x, min(reducedDims, d, n))
	if err != nil {
		return fmt.Errorf("reduce: %w", err)
	}

	features := rows(scores)
	pca := firstTwo(features)
	rng := newRand(params.Seed)

	switch out.Method {
	case models.ProjectionTSNE:
		if n < minTSNEPoints {
			out.Method = models.ProjectionPCA
			out.Coords = pca
			out.Warnings = append(out.Warnings, fmt.Sprintf("t-SNE needs at least %d points, fell back to PCA", minTSNEPoints))

			break
		}

		out.Perplexity = clampPerplexity(params.Perplexity, n)
		out.Coords = tsne(features, out.Perplexity, params.Iterations, params.LearningRate, rng)
	case models.ProjectionUMAP:
		if n < 3 {
			out.Method = models.ProjectionPCA
			out.Coords = pca
			out.Warnings = append(out.Warnings, "UMAP needs at least 3 points, fell back to PCA")

			break
		}

		out.Coords = umap(features, pca, params.Neighbors, params.MinDist, params.Iterations, rng)
	default:
		out.Coords = pca
	}

	if !allFinite(out.Coords) {
		s.logger.Warn("projection diverged, using PCA", "method", out.Method)
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s diverged, fell back to PCA", out.Method))
		out.Method = models.ProjectionPCA
		out.Coords = pca
	}

	out.Labels = make([]int, n)

	if !params.Cluster {
		return nil
	}

	c := Cluster(features, params.K, params.MaxK, params.Seed)
	out.Labels = c.Labels
	out.K = c.K
	out.Silhouette = c.Silhouette
	out.Elbow = c.Elbow
	out.Clusters = clusterSummaries(features, out.Coords, c, states)

	return nil
}

// clusterSummaries reports per-cluster size, mean distance to the centroid, 2-D centroid and most
// frequent state.
func clusterSummaries(features [][]float64, coords [][2]float64, c Clustering, states []models.ShipmentState) []models.ClusterSummary {
	out := make([]models.ClusterSummary, c.K)
	stateCounts := make([]map[models.ShipmentState]int, c.K)

	for label := range out {
		out[label].Label = label
		stateCounts[label] = map[models.ShipmentState]int{}
	}

	for i, label := range c.Labels {
		sum := &out[label]
		sum.Size++
		sum.AverageDistance += math.Sqrt(squaredDistance(features[i], c.Centroids[label]))
		sum.Centroid2D[0] += coords[i][0]
		sum.Centroid2D[1] += coords[i][1]

		stateCounts[label][states[i]]++
	}

	for label := range out {
		sum := &out[label]
		if sum.Size == 0 {
			continue
		}

		size := float64(sum.Size)
		sum.AverageDistance /= size
		sum.Centroid2D[0] /= size
		sum.Centroid2D[1] /= size
		sum.TopState = topState(stateCounts[label])
	}

	return out
}

func topState(counts map[models.ShipmentState]int) models.ShipmentState {
	var (
		best  models.ShipmentState
		count int
	)

	for state, c := range counts {
		if c > count || (c == count && state < best) {
			best, count = state, c
		}
	}

	return best
}

func pointMetadata(records []models.EmbeddingRecord) []models.PointMetadata {
	out := make([]models.PointMetadata, len(records))

	for i, r := range records {
		snippet := []rune(r.Text)
		if len(snippet) > snippetLength {
			snippet = snippet[:snippetLength]
		}

		out[i] = models.PointMetadata{
			ShipmentID: r.ShipmentID,
			State:      r.Attributes.State,
			BuyerID:    r.Attributes.BuyerID,
			Snippet:    string(snippet),
			CreatedAt:  r.CreatedAt,
		}
	}

	return out
}
