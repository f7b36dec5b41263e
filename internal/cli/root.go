// Package cli implements the shipsearch command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/bootstrap"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
)

var (
	cfg      *config.Config
	logLevel string
	modelID  string
	jsonOut  bool
)

// operator is the principal CLI commands act as. The CLI runs with database credentials, so it sees the
// whole corpus.
var operator = models.Principal{Role: models.RoleAdmin}

var rootCmd = &cobra.Command{
	Use:   "shipsearch",
	Short: "Shipment semantic search maintenance",
	Long: `shipsearch indexes shipments, runs retrieval evaluations and exports projections
using the same configuration as the API server (environment variables or .env).

Example usage:
  shipsearch migrate
  shipsearch index --refresh-stale
  shipsearch search -q "frozen goods to Lisbon"
  shipsearch evaluate run`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error

		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		slog.SetDefault(observability.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel))

		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&modelID, "model", "m", "", "embedding model id (default from catalog)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
}

// session is an opened pool plus the wired core.
type session struct {
	pool *pgxpool.Pool
	core *bootstrap.Core
}

func (s *session) Close() {
	if err := s.core.Close(); err != nil {
		slog.Error("close core", "error", err)
	}

	s.pool.Close()
}

func openSession(ctx context.Context) (*session, error) {
	startCtx, cancel := context.WithTimeout(ctx, bootstrap.StartupTimeout)
	defer cancel()

	pool, err := bootstrap.OpenPool(startCtx, cfg)
	if err != nil {
		return nil, err
	}

	core, err := bootstrap.NewCore(startCtx, cfg, pool, nil, slog.Default())
	if err != nil {
		pool.Close()

		return nil, err
	}

	return &session{pool: pool, core: core}, nil
}

// resolveModel returns the --model flag or the catalog default.
func (s *session) resolveModel() string {
	if modelID != "" {
		return modelID
	}

	return s.core.Embedder.Catalog().Default()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}
