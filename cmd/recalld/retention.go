package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/retention"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run one retention cycle against the local store and exit",
	Long: `Opens the configured solution store and vector index, runs the four
retention passes once, prints a summary, and exits. Do not run this
while a recalld server is using the same store.`,
	RunE: runRetention,
}

func runRetention(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.NewSQLiteStore(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("opening solution store: %w", err)
	}
	defer st.Close()

	idx, err := openIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer idx.Close()

	engine, err := retention.NewEngine(st, idx, retentionConfig(cfg),
		retention.WithLogger(logger.Named("retention")))
	if err != nil {
		return fmt.Errorf("building retention engine: %w", err)
	}

	result, err := engine.Run(cmd.Context())
	if result != nil {
		for _, p := range result.Passes {
			status := "ok"
			if p.Err != nil {
				status = p.Err.Error()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s removed=%-6d duration=%-12s %s\n",
				p.Name, p.Removed, p.Duration.Round(time.Millisecond), status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "total removed=%d duration=%s\n",
			result.Removed, result.Duration.Round(time.Millisecond))
	}
	return err
}
