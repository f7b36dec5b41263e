package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/repository"
	"github.com/cargohub/hub/internal/service"
)

var seedFlags struct {
	dryRun bool
	index  bool
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.csv|->",
	Short: "Load shipments from a CSV file into the corpus",
	Long: `Read shipments from a CSV file with one row per product. Rows sharing a tracking_code
form one shipment; the shipment columns are taken from its first row.

Required columns: tracking_code, buyer, state, product_description, product_category.
Optional columns: city, province, issued_at (RFC3339 or YYYY-MM-DD), remarks, service_cost,
product_weight, product_quantity, product_value.

Shipments whose tracking code already exists are skipped. --index embeds the newly
created shipments with the selected model.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().BoolVar(&seedFlags.dryRun, "dry-run", false, "parse and report without writing")
	seedCmd.Flags().BoolVar(&seedFlags.index, "index", false, "embed the created shipments")

	rootCmd.AddCommand(seedCmd)
}

// seedStats tracks a seed run.
type seedStats struct {
	Rows      int     `json:"rows"`
	Shipments int     `json:"shipments"`
	Created   int     `json:"created"`
	Existing  int     `json:"existing"`
	IDs       []int64 `json:"created_ids,omitempty"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()

	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		in = f
	}

	shipments, rows, err := readShipmentsCSV(in)
	if err != nil {
		return err
	}

	stats := seedStats{Rows: rows, Shipments: len(shipments)}
	out := cmd.OutOrStdout()

	if seedFlags.dryRun {
		if jsonOut {
			return printJSON(out, stats)
		}

		for i := range shipments {
			fmt.Fprintf(out, "[DRY] %s: %d product(s) for %s\n",
				shipments[i].TrackingCode, len(shipments[i].Products), shipments[i].Buyer.DisplayName)
		}

		fmt.Fprintf(out, "\n%d row(s), %d shipment(s)\n", stats.Rows, stats.Shipments)

		return nil
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	repo := repository.NewSeedRepository(s.pool)

	for i := range shipments {
		id, created, err := repo.ImportShipment(cmd.Context(), &shipments[i])
		if err != nil {
			return fmt.Errorf("import %s: %w", shipments[i].TrackingCode, err)
		}

		if created {
			stats.Created++
			stats.IDs = append(stats.IDs, id)
		} else {
			stats.Existing++
		}
	}

	if jsonOut && !seedFlags.index {
		return printJSON(out, stats)
	}

	if !jsonOut {
		fmt.Fprintf(out, "Seed complete: %d row(s), %d shipment(s), %d created, %d already present\n",
			stats.Rows, stats.Shipments, stats.Created, stats.Existing)
	}

	if !seedFlags.index || len(stats.IDs) == 0 {
		return nil
	}

	bar := newOutcomeBar(cmd.ErrOrStderr(), len(stats.IDs), "Indexing")

	summary, err := s.core.Indexer.IndexBulk(cmd.Context(), service.BulkRequest{
		IDs:         stats.IDs,
		Model:       s.resolveModel(),
		ProcessKind: models.ProcessKindBulk,
		Progress:    bar.record,
	})
	bar.finish()

	if err != nil {
		return err
	}

	return printSummary(out, summary)
}

// csvColumns maps header names to column positions.
type csvColumns map[string]int

var requiredSeedColumns = []string{"tracking_code", "buyer", "state", "product_description", "product_category"}

func (c csvColumns) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}

	return strings.TrimSpace(row[i])
}

// readShipmentsCSV parses product rows into shipments, grouped by tracking code in first-seen order.
// It returns the shipments and the number of data rows read.
func readShipmentsCSV(r io.Reader) ([]models.Shipment, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	cols := make(csvColumns, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}

	for _, name := range requiredSeedColumns {
		if _, ok := cols[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var (
		shipments []models.Shipment
		byCode    = map[string]int{}
		rows      int
	)

	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, rows, fmt.Errorf("line %d: %w", line, err)
		}

		code := cols.get(row, "tracking_code")
		if code == "" {
			continue
		}

		rows++

		product, err := parseProductRow(cols, row)
		if err != nil {
			return nil, rows, fmt.Errorf("line %d: %w", line, err)
		}

		if i, ok := byCode[code]; ok {
			shipments[i].Products = append(shipments[i].Products, product)

			continue
		}

		shipment, err := parseShipmentRow(cols, row)
		if err != nil {
			return nil, rows, fmt.Errorf("line %d: %w", line, err)
		}

		shipment.Products = []models.Product{product}
		byCode[code] = len(shipments)
		shipments = append(shipments, shipment)
	}

	return shipments, rows, nil
}

func parseShipmentRow(cols csvColumns, row []string) (models.Shipment, error) {
	s := models.Shipment{
		TrackingCode: cols.get(row, "tracking_code"),
		Buyer:        models.Buyer{DisplayName: cols.get(row, "buyer")},
		Remarks:      optional(cols.get(row, "remarks")),
		IssuedAt:     time.Now().UTC(),
	}

	if s.Buyer.DisplayName == "" {
		return s, errors.New("buyer is required")
	}

	s.Buyer.City = optional(cols.get(row, "city"))
	s.Buyer.Province = optional(cols.get(row, "province"))

	state, err := models.ParseShipmentState(cols.get(row, "state"))
	if err != nil {
		return s, err
	}

	s.State = state

	if v := cols.get(row, "issued_at"); v != "" {
		issued, err := parseSeedTime(v)
		if err != nil {
			return s, err
		}

		s.IssuedAt = issued
	}

	if v := cols.get(row, "service_cost"); v != "" {
		cost, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("invalid service_cost %q", v)
		}

		s.ServiceCost = &cost
	}

	return s, nil
}

func parseProductRow(cols csvColumns, row []string) (models.Product, error) {
	p := models.Product{
		Description: cols.get(row, "product_description"),
		Category:    models.ProductCategory(strings.ToLower(cols.get(row, "product_category"))),
		Quantity:    1,
	}

	if p.Description == "" {
		return p, errors.New("product_description is required")
	}

	if !p.Category.IsValid() {
		return p, fmt.Errorf("invalid product_category %q", p.Category)
	}

	var err error

	if v := cols.get(row, "product_weight"); v != "" {
		if p.Weight, err = strconv.ParseFloat(v, 64); err != nil || p.Weight < 0 {
			return p, fmt.Errorf("invalid product_weight %q", v)
		}
	}

	if v := cols.get(row, "product_value"); v != "" {
		if p.Value, err = strconv.ParseFloat(v, 64); err != nil || p.Value < 0 {
			return p, fmt.Errorf("invalid product_value %q", v)
		}
	}

	if v := cols.get(row, "product_quantity"); v != "" {
		if p.Quantity, err = strconv.Atoi(v); err != nil || p.Quantity < 1 {
			return p, fmt.Errorf("invalid product_quantity %q", v)
		}
	}

	return p, nil
}

func parseSeedTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}

	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid issued_at %q", v)
	}

	return t, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}

	return &v
}
