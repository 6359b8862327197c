package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "satctl",
	Short: "Operator tool for the CFDI bulk retrieval service",
	Long: `satctl inspects e.firma credentials, builds signed authentication
envelopes without contacting the remote service, and talks to a running
descarga instance over gRPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

type rootFlags struct {
	timeout time.Duration
}

var rootArgs rootFlags

func init() {
	rootCmd.PersistentFlags().DurationVar(&rootArgs.timeout, "timeout", 30*time.Second,
		"timeout for operations that reach a server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
