package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
)

var projectFlags struct {
	method     string
	maxPoints  int
	cluster    bool
	k          int
	perplexity float64
	neighbors  int
	seed       int64
	out        string
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Reduce stored embeddings to 2-D and optionally cluster them",
	Long: `Select up to --max-points embeddings of the model, reduce them with t-SNE, UMAP or PCA
and write the projection as JSON. With --cluster the points are grouped with k-means;
--k 0 picks k with the elbow method.

Examples:
  shipsearch project --method umap --cluster --out projection.json
  shipsearch project --method tsne --perplexity 15 --seed 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		req := &models.ProjectionRequest{
			Selector: models.SubsetSelector{Model: modelID, MaxPoints: projectFlags.maxPoints},
			Method:   models.ProjectionMethod(projectFlags.method),
			Params: models.ProjectionParams{
				Perplexity: projectFlags.perplexity,
				Neighbors:  projectFlags.neighbors,
				Seed:       projectFlags.seed,
				Cluster:    projectFlags.cluster,
			},
		}

		if projectFlags.cluster && projectFlags.k > 0 {
			req.Params.K = &projectFlags.k
		}

		projection, err := s.core.Visualizer.Project(cmd.Context(), operator, req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		if projectFlags.out != "" {
			f, err := os.Create(projectFlags.out)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()

			if err := printJSON(f, projection); err != nil {
				return err
			}
		} else if jsonOut {
			return printJSON(out, projection)
		}

		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d point(s) projected with %s", len(projection.Coords), projection.Method)))

		if projection.Method != projection.RequestedMethod {
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s needs more points; fell back to %s", projection.RequestedMethod, projection.Method)))
		}

		if len(projection.Clusters) == 0 {
			return nil
		}

		rows := make([][]string, 0, len(projection.Clusters))
		for _, c := range projection.Clusters {
			rows = append(rows, []string{
				strconv.Itoa(c.Label),
				strconv.Itoa(c.Size),
				fmt.Sprintf("%.4f", c.AverageDistance),
				string(c.TopState),
				fmt.Sprintf("(%.2f, %.2f)", c.Centroid2D[0], c.Centroid2D[1]),
			})
		}

		fmt.Fprintln(out, newTable([]string{"Cluster", "Size", "Avg distance", "Top state", "Centroid"}, rows, nil))

		if projection.Silhouette != nil {
			fmt.Fprintf(out, "k=%d silhouette=%.3f\n", projection.K, *projection.Silhouette)
		}

		return nil
	},
}

func init() {
	projectCmd.Flags().StringVar(&projectFlags.method, "method", "pca", "tsne, umap or pca")
	projectCmd.Flags().IntVar(&projectFlags.maxPoints, "max-points", 0, "maximum points (default VISUALIZATION_MAX_POINTS)")
	projectCmd.Flags().BoolVar(&projectFlags.cluster, "cluster", false, "cluster the points with k-means")
	projectCmd.Flags().IntVar(&projectFlags.k, "k", 0, "number of clusters; 0 picks k with the elbow method")
	projectCmd.Flags().Float64Var(&projectFlags.perplexity, "perplexity", 0, "t-SNE perplexity")
	projectCmd.Flags().IntVar(&projectFlags.neighbors, "neighbors", 0, "UMAP neighbours")
	projectCmd.Flags().Int64Var(&projectFlags.seed, "seed", 0, "random seed for reproducible layouts")
	projectCmd.Flags().StringVarP(&projectFlags.out, "out", "o", "", "write the projection JSON to this file")

	rootCmd.AddCommand(projectCmd)
}
