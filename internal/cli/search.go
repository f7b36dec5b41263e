package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
)

var searchFlags struct {
	query    string
	limit    int
	ordering string
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a semantic search as an administrator",
	Long: `Expand the query, retrieve candidates by cosine similarity and print the ranked shipments.

Examples:
  shipsearch search -q "urgent electronics Porto"
  shipsearch search -q "pallets" --ordering euclidean --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if searchFlags.query == "" {
			return errors.New("--query is required")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		ordering, err := models.ParseOrderingMetric(searchFlags.ordering)
		if err != nil {
			return err
		}

		resp, err := s.core.Search.Search(cmd.Context(), operator, &models.SearchRequest{
			Query:          searchFlags.query,
			Limit:          searchFlags.limit,
			Model:          modelID,
			OrderingMetric: ordering,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, resp)
		}

		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d result(s) for %q", len(resp.Results), searchFlags.query)))
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("model %s, %d tokens, %d ms", resp.Model, resp.Tokens, resp.ElapsedMS)))

		rows := make([][]string, 0, len(resp.Results))
		for i, item := range resp.Results {
			rows = append(rows, []string{
				strconv.Itoa(i + 1),
				strconv.FormatInt(item.Shipment.ID, 10),
				item.Shipment.TrackingCode,
				item.Shipment.BuyerName,
				string(item.Shipment.State),
				fmt.Sprintf("%.4f", item.CosineSimilarity),
				fmt.Sprintf("%.4f", item.CombinedScore),
			})
		}

		fmt.Fprintln(out, newTable([]string{"#", "ID", "Tracking", "Buyer", "State", "Cosine", "Combined"}, rows, nil))

		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchFlags.query, "query", "q", "", "natural-language query")
	searchCmd.Flags().IntVarP(&searchFlags.limit, "limit", "k", 10, "number of results")
	searchCmd.Flags().StringVar(&searchFlags.ordering, "ordering", "", "cosine, dot_product, euclidean, manhattan or combined_score")

	rootCmd.AddCommand(searchCmd)
}
