package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/bootstrap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema and River migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pool, err := bootstrap.OpenPool(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := bootstrap.Migrate(cmd.Context(), pool)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
