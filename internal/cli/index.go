package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

var indexFlags struct {
	ids          []int64
	batchSize    int
	delay        time.Duration
	force        bool
	refreshStale bool
	since        string
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed shipments that are missing or stale",
	Long: `Walk the shipment corpus (or the given ids) in ascending id order and embed every
shipment that has no record for the model yet. --refresh-stale also regenerates records
older than their shipment; --force regenerates everything selected.

Examples:
  shipsearch index
  shipsearch index --ids 12,14 --force
  shipsearch index --since 2025-01-01T00:00:00Z --refresh-stale`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Delete every embedding of the model and rebuild the whole corpus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		model := s.resolveModel()
		bar := newOutcomeBar(cmd.ErrOrStderr(), -1, "Regenerating")

		summary, err := s.core.Indexer.RegenerateAll(cmd.Context(), model, bar.record)
		bar.finish()

		if err != nil {
			return err
		}

		return printSummary(cmd.OutOrStdout(), summary)
	},
}

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Estimate tokens and cost of embedding the selected shipments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		req, err := bulkRequest(s)
		if err != nil {
			return err
		}

		est, err := s.core.Indexer.CostEstimate(cmd.Context(), req)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(cmd.OutOrStdout(), est)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Model:      %s\n", est.Model)
		fmt.Fprintf(out, "Shipments:  %d\n", est.Texts)
		fmt.Fprintf(out, "Tokens:     %d\n", est.Tokens)
		fmt.Fprintf(out, "Cost:       $%.6f\n", est.Cost)

		if est.OverLimit > 0 {
			fmt.Fprintf(out, "Over limit: %d (will be rejected)\n", est.OverLimit)
		}

		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{indexCmd, costCmd} {
		cmd.Flags().Int64SliceVar(&indexFlags.ids, "ids", nil, "restrict to these shipment ids")
		cmd.Flags().StringVar(&indexFlags.since, "since", "", "only shipments updated at or after this RFC3339 time")
		cmd.Flags().IntVar(&indexFlags.batchSize, "batch-size", 0, "shipments per embedding call (default INDEX_BATCH_SIZE)")
	}

	indexCmd.Flags().DurationVar(&indexFlags.delay, "delay", 0, "pause between embedding calls (default INDEX_DELAY)")
	indexCmd.Flags().BoolVar(&indexFlags.force, "force", false, "regenerate existing records")
	indexCmd.Flags().BoolVar(&indexFlags.refreshStale, "refresh-stale", false, "regenerate records older than their shipment")

	rootCmd.AddCommand(indexCmd, regenerateCmd, costCmd)
}

func bulkRequest(s *session) (service.BulkRequest, error) {
	req := service.BulkRequest{
		IDs:          indexFlags.ids,
		Model:        s.resolveModel(),
		BatchSize:    indexFlags.batchSize,
		Delay:        indexFlags.delay,
		Force:        indexFlags.force,
		RefreshStale: indexFlags.refreshStale,
		ProcessKind:  models.ProcessKindBulk,
	}

	if indexFlags.since != "" {
		since, err := time.Parse(time.RFC3339, indexFlags.since)
		if err != nil {
			return req, fmt.Errorf("invalid --since, expected RFC3339: %w", err)
		}

		req.ChangedSince = &since
	}

	return req, nil
}

func runIndex(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	req, err := bulkRequest(s)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning shipments for %s...\n", req.Model)

	total := -1
	if est, err := s.core.Indexer.CostEstimate(cmd.Context(), req); err == nil {
		total = est.Texts
	}

	bar := newOutcomeBar(cmd.ErrOrStderr(), total, "Indexing")
	req.Progress = bar.record

	summary, err := s.core.Indexer.IndexBulk(cmd.Context(), req)
	bar.finish()

	if err != nil {
		return err
	}

	return printSummary(cmd.OutOrStdout(), summary)
}

// outcomeBar renders per-shipment outcomes. Progress callbacks may arrive from several goroutines.
type outcomeBar struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	label  string
	errors int
}

func newOutcomeBar(w io.Writer, total int, label string) *outcomeBar {
	return &outcomeBar{label: label, bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("shipments"),
		progressbar.OptionSetDescription("[cyan]"+label+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)}
}

func (b *outcomeBar) record(o models.IndexOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Status == models.GenerationStatusError {
		b.errors++
		b.bar.Describe(fmt.Sprintf("[cyan]%s[reset] [red]%d error(s)[reset]", b.label, b.errors))
	}

	_ = b.bar.Add(1)
}

func (b *outcomeBar) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.bar.Finish()
}

func printSummary(w io.Writer, s models.IndexSummary) error {
	if jsonOut {
		return printJSON(w, s)
	}

	fmt.Fprintf(w, "\nIndexing complete (%s):\n", s.Model)
	fmt.Fprintf(w, "  Generated: %d\n", s.Generated)
	fmt.Fprintf(w, "  Skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  Errors:    %d\n", s.Errors)
	fmt.Fprintf(w, "  Tokens:    %d\n", s.Tokens)
	fmt.Fprintf(w, "  Cost:      $%.6f\n", s.Cost)
	fmt.Fprintf(w, "  Elapsed:   %s\n", time.Duration(s.ElapsedMS)*time.Millisecond)

	if s.Cancelled {
		fmt.Fprintln(w, "  Run was cancelled before the corpus was exhausted.")
	}

	return nil
}
