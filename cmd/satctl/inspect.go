package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [certificate]",
	Short: "Describe a .cer file without its private key",
	Example: `  # Check whether a certificate is an e.firma and when it expires
  satctl inspect ./owner-1/fiel.cer`,
	Args: cobra.ExactArgs(1),
	RunE: inspectCmdRun,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func inspectCmdRun(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	info, err := credential.Inspect(raw, time.Now())
	if err != nil {
		return fmt.Errorf("failed to inspect certificate: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
