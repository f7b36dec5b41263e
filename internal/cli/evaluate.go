package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

var evaluateFlags struct {
	limit int
	days  int
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run and report retrieval evaluations against controlled tests",
}

var evaluateRunCmd = &cobra.Command{
	Use:   "run [test-id]",
	Short: "Run one controlled test, or every active test when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		model := s.resolveModel()

		var (
			results []models.EvaluationResult
			runErr  error
		)

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid test id %q", args[0])
			}

			res, err := s.core.Evaluation.RunTestByID(cmd.Context(), operator, id, model, evaluateFlags.limit)
			if err != nil {
				return err
			}

			results = []models.EvaluationResult{*res}
		} else {
			results, runErr = s.core.Evaluation.RunActiveTests(cmd.Context(), operator, model, evaluateFlags.limit)
		}

		if err := printResults(cmd.OutOrStdout(), results); err != nil {
			return err
		}

		return runErr
	},
}

var evaluateReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize evaluation runs over a recent window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if evaluateFlags.days <= 0 {
			return errors.New("--days must be positive")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		to := time.Now().UTC()
		from := to.AddDate(0, 0, -evaluateFlags.days)

		report, err := s.core.Evaluation.ComparativeReport(cmd.Context(), from, to)
		if err != nil {
			return err
		}

		return printReport(cmd.OutOrStdout(), report)
	},
}

var evaluateImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create controlled tests from a YAML fixture file",
	Long: `Create controlled tests from a YAML document of the form:

  tests:
    - name: frozen goods lisbon
      query: frozen goods to Lisbon
      relevant_ids: [12, 40]
      active: true

Tests whose name already exists are skipped. Use "-" to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()

		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open fixtures: %w", err)
			}
			defer f.Close()

			in = f
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		summary, err := s.core.Evaluation.ImportTests(cmd.Context(), in)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(cmd.OutOrStdout(), summary)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created %d test(s), skipped %d existing\n", summary.Created, summary.Skipped)

		return nil
	},
}

func init() {
	evaluateRunCmd.Flags().IntVarP(&evaluateFlags.limit, "limit", "k", 0, "results retrieved per test (default 10)")
	evaluateReportCmd.Flags().IntVar(&evaluateFlags.days, "days", 30, "report window in days ending now")

	evaluateCmd.AddCommand(evaluateRunCmd, evaluateReportCmd, evaluateImportCmd)
	rootCmd.AddCommand(evaluateCmd)
}

func printResults(w io.Writer, results []models.EvaluationResult) error {
	if jsonOut {
		return printJSON(w, results)
	}

	rows := make([][]string, 0, len(results))
	bands := make([]string, 0, len(results))

	for _, r := range results {
		band := service.MRRBand(r.MRR)
		bands = append(bands, band)
		rows = append(rows, []string{
			strconv.FormatInt(r.TestID, 10),
			r.TestName,
			fmt.Sprintf("%.3f", r.MRR),
			band,
			fmt.Sprintf("%.3f", r.NDCG10),
			fmt.Sprintf("%.3f", r.Precision5),
		})
	}

	fmt.Fprintln(w, newTable([]string{"Test", "Name", "MRR", "Band", "nDCG@10", "P@5"}, rows,
		func(row, col int) (lipgloss.Style, bool) {
			if col == 3 {
				return bandStyle(bands[row]), true
			}

			return lipgloss.Style{}, false
		}))

	return nil
}

func printReport(w io.Writer, report *models.ComparativeReport) error {
	if jsonOut {
		return printJSON(w, report)
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Evaluation report %s to %s",
		report.From.Format(time.DateOnly), report.To.Format(time.DateOnly))))

	if len(report.Rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No runs in this window."))

		return nil
	}

	rows := make([][]string, 0, len(report.Rows))
	for _, r := range report.Rows {
		rows = append(rows, []string{
			strconv.FormatInt(r.TestID, 10),
			r.TestName,
			strconv.Itoa(r.Runs),
			fmt.Sprintf("%.3f", r.MRR),
			r.MRRBand,
			fmt.Sprintf("%.3f", r.NDCG10),
			fmt.Sprintf("%.3f", r.Precision5),
		})
	}

	fmt.Fprintln(w, newTable([]string{"Test", "Name", "Runs", "MRR", "Band", "nDCG@10", "P@5"}, rows,
		func(row, col int) (lipgloss.Style, bool) {
			if col == 4 {
				return bandStyle(report.Rows[row].MRRBand), true
			}

			return lipgloss.Style{}, false
		}))

	sum := report.Summary
	fmt.Fprintf(w, "%d run(s) over %d test(s)\n", sum.Runs, sum.Tests)
	fmt.Fprintf(w, "  MRR      mean %.3f  max %.3f  min %.3f  (%s)\n", sum.MRR.Mean, sum.MRR.Max, sum.MRR.Min, sum.MRR.Band)
	fmt.Fprintf(w, "  nDCG@10  mean %.3f  max %.3f  min %.3f\n", sum.NDCG10.Mean, sum.NDCG10.Max, sum.NDCG10.Min)
	fmt.Fprintf(w, "  P@5      mean %.3f  max %.3f  min %.3f\n", sum.Precision5.Mean, sum.Precision5.Max, sum.Precision5.Min)

	return nil
}
