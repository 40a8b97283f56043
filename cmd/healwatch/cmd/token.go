package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/healwatch/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an API token and the hash to configure",
	Long: `Generates a random bearer token for the operator API. Put the hash in
api.token_hash and give the token to clients via --token or HEALWATCH_TOKEN.
The token is shown once and not stored.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	token, hash, err := api.GenerateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(map[string]string{"token": token, "token_hash": hash})
	}
	fmt.Printf("Token:      %s\n", token)
	fmt.Printf("Token hash: %s\n\n", hash)
	fmt.Println("Add to config.yaml:")
	fmt.Printf("  api:\n    token_hash: %q\n", hash)
	return nil
}
