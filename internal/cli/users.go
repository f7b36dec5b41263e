package cli

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cargohub/hub/internal/models"
)

const (
	apiKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	apiKeyLength  = 32
)

var usersFlags struct {
	name    string
	role    string
	buyerID int64
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage API users",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user and print its API key",
	Long: `Create a user with a freshly generated API key. Only the key hash is stored, so the
key is shown once.

Examples:
  shipsearch users create --name ops --role operator
  shipsearch users create --name acme --role buyer --buyer-id 17`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		role := models.Role(usersFlags.role)

		var buyerID *int64

		switch role {
		case models.RoleAdmin, models.RoleOperator:
		case models.RoleBuyer:
			if usersFlags.buyerID <= 0 {
				return errors.New("--buyer-id is required for buyer users")
			}

			buyerID = &usersFlags.buyerID
		default:
			return fmt.Errorf("invalid role %q: use admin, operator or buyer", usersFlags.role)
		}

		key, err := generateAPIKey(rand.Reader)
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		user, err := s.core.Users.Create(cmd.Context(), usersFlags.name, role, buyerID, key)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("API key ready"))
		fmt.Fprintf(out, "ID:      %d\n", user.ID)
		fmt.Fprintf(out, "Name:    %s\n", user.Name)
		fmt.Fprintf(out, "Role:    %s\n", user.Role)
		fmt.Fprintf(out, "Created: %s\n\n", user.CreatedAt)
		fmt.Fprintf(out, "API key (shown once): %s\n\n", key)
		fmt.Fprintln(out, mutedStyle.Render("Example:"))
		fmt.Fprintf(out, "curl -X POST -H \"Authorization: Bearer %s\" -H \"Content-Type: application/json\" \\\n", key)
		fmt.Fprintf(out, "  -d '{\"query\":\"frozen goods to Lisbon\",\"limit\":5}' http://localhost:%s/v1/search\n", cfg.Port)

		return nil
	},
}

func init() {
	usersCreateCmd.Flags().StringVar(&usersFlags.name, "name", "", "display name")
	usersCreateCmd.Flags().StringVar(&usersFlags.role, "role", string(models.RoleOperator), "admin, operator or buyer")
	usersCreateCmd.Flags().Int64Var(&usersFlags.buyerID, "buyer-id", 0, "buyer the user is scoped to (buyer role)")
	_ = usersCreateCmd.MarkFlagRequired("name")

	usersCmd.AddCommand(usersCreateCmd)
	rootCmd.AddCommand(usersCmd)
}

// generateAPIKey draws apiKeyLength characters from apiKeyCharset. Bytes at or above the largest
// multiple of the charset size are rejected so every character is equally likely.
func generateAPIKey(random io.Reader) (string, error) {
	charsetLen := len(apiKeyCharset)
	maxValidByte := byte((256 / charsetLen) * charsetLen)

	key := make([]byte, apiKeyLength)
	buf := make([]byte, 1)

	for i := range key {
		for {
			if _, err := io.ReadFull(random, buf); err != nil {
				return "", fmt.Errorf("generate api key: %w", err)
			}

			if buf[0] < maxValidByte {
				key[i] = apiKeyCharset[int(buf[0])%charsetLen]

				break
			}
		}
	}

	return string(key), nil
}
