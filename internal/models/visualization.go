package models

import (
	"fmt"
	"time"
)

// ProjectionMethod is a 2-D reduction algorithm.
type ProjectionMethod string

// Projection methods.
const (
	ProjectionTSNE ProjectionMethod = "tsne"
	ProjectionUMAP ProjectionMethod = "umap"
	ProjectionPCA  ProjectionMethod = "pca"
)

// ParseProjectionMethod parses a method name; empty defaults to pca.
func ParseProjectionMethod(s string) (ProjectionMethod, error) {
	switch m := ProjectionMethod(s); m {
	case "":
		return ProjectionPCA, nil
	case ProjectionTSNE, ProjectionUMAP, ProjectionPCA:
		return m, nil
	default:
		return "", fmt.Errorf("invalid projection method: %q", s)
	}
}

// SubsetSelector picks a finite set of stored embeddings to project.
type SubsetSelector struct {
	Model       string        `json:"model_id,omitempty"     validate:"omitempty,max=255"`
	Filters     SearchFilters `json:"filters"`
	Since       *time.Time    `json:"since,omitempty"`
	ShipmentIDs []int64       `json:"shipment_ids,omitempty" validate:"omitempty,max=10000,dive,gt=0"`
	MaxPoints   int           `json:"max_points"             validate:"gte=0"`
}

// ProjectionParams tunes the reduction and optional clustering. Zero values use defaults.
type ProjectionParams struct {
	Perplexity   float64 `json:"perplexity,omitempty"    validate:"gte=0"`
	Iterations   int     `json:"iterations,omitempty"    validate:"gte=0,lte=5000"`
	LearningRate float64 `json:"learning_rate,omitempty" validate:"gte=0"`
	Neighbors    int     `json:"neighbors,omitempty"     validate:"gte=0,lte=200"`
	MinDist      float64 `json:"min_dist,omitempty"      validate:"gte=0,lte=1"`
	Seed         int64   `json:"seed,omitempty"`
	Cluster      bool    `json:"cluster,omitempty"`
	K            *int    `json:"k,omitempty"`
	MaxK         int     `json:"max_k,omitempty"`
}

// PointMetadata describes one projected point.
type PointMetadata struct {
	ShipmentID int64         `json:"shipment_id"`
	State      ShipmentState `json:"state"`
	BuyerID    int64         `json:"buyer_id"`
	Snippet    string        `json:"snippet"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ClusterSummary describes one k-means cluster.
type ClusterSummary struct {
	Label           int           `json:"label"`
	Size            int           `json:"size"`
	AverageDistance float64       `json:"average_distance"`
	TopState        ShipmentState `json:"top_state,omitempty"`
	Centroid2D      [2]float64    `json:"centroid_2d"`
}

// Projection is the output of the visualization pipeline.
type Projection struct {
	Method          ProjectionMethod `json:"method"`
	RequestedMethod ProjectionMethod `json:"requested_method"`
	Coords          [][2]float64     `json:"coords"`
	Labels          []int            `json:"labels"`
	Metadata        []PointMetadata  `json:"metadata"`
	Clusters        []ClusterSummary `json:"clusters,omitempty"`
	K               int              `json:"k,omitempty"`
	Perplexity      float64          `json:"perplexity,omitempty"`
	Silhouette      *float64         `json:"silhouette,omitempty"`
	Elbow           *ElbowAnalysis   `json:"elbow,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// ProjectionRequest is the input of the visualization pipeline.
type ProjectionRequest struct {
	Selector SubsetSelector   `json:"selector"`
	Method   ProjectionMethod `json:"method"`
	Params   ProjectionParams `json:"params"`
}

// ElbowAnalysis records the inertia curve used to pick k automatically.
type ElbowAnalysis struct {
	KValues  []int     `json:"k_values"`
	Inertias []float64 `json:"inertias"`
	OptimalK int       `json:"optimal_k"`
}
