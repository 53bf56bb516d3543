// Recalld serves a knowledge store of past solutions: an admission
// gateway over similarity search, and a retention engine that keeps the
// store bounded and consistent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Knowledge store daemon with admission control and retention",
	Long: `recalld serves similarity search over stored solutions behind an
admission-control gateway, and keeps the store bounded with a
scheduled retention engine.`,
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default ~/.config/recalld/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(retentionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
