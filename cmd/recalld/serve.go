package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/gateway"
	"github.com/fyrsmithlabs/recalld/internal/httpapi"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/policy"
	"github.com/fyrsmithlabs/recalld/internal/ratelimit"
	"github.com/fyrsmithlabs/recalld/internal/retention"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld HTTP server and retention scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		// Missing collector degrades tracing, not the service.
		logger.Warn("telemetry setup failed, continuing without traces", zap.Error(err))
	}
	defer tel.Shutdown(context.Background()) //nolint:errcheck

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

	rules, err := policy.NewRules(cfg.Gateway.AllowedCollections, cfg.Gateway.MaxPayloadBytes)
	if err != nil {
		return fmt.Errorf("building policy rules: %w", err)
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)

	gw := gateway.New(rules, limiter, idx, st,
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithMaxLimit(cfg.Gateway.MaxLimit),
		gateway.WithDispatchTimeout(cfg.Gateway.DispatchTimeout),
	)

	engine, err := retention.NewEngine(st, idx, retentionConfig(cfg),
		retention.WithLogger(logger.Named("retention")))
	if err != nil {
		return fmt.Errorf("building retention engine: %w", err)
	}
	scheduler, err := retention.NewScheduler(engine,
		retention.WithInterval(cfg.Retention.Interval),
		retention.WithSchedulerLogger(logger.Named("retention.scheduler")))
	if err != nil {
		return fmt.Errorf("building retention scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	srv, err := httpapi.NewServer(gw, scheduler, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openIndex builds the vector index collaborator from the configured
// provider. No embedder is wired: the read path serves vector queries,
// and text queries need an embedding service deployment-specific enough
// to configure separately.
func openIndex(cfg *config.Config, logger *zap.Logger) (vectorindex.Index, error) {
	return vectorindex.New(vectorindex.Config{
		Provider: cfg.VectorIndex.Provider,
		Chromem: vectorindex.ChromemConfig{
			Path:       cfg.VectorIndex.Chromem.Path,
			Compress:   cfg.VectorIndex.Chromem.Compress,
			VectorSize: cfg.VectorIndex.Chromem.VectorSize,
		},
		Qdrant: vectorindex.QdrantConfig{
			Host:           cfg.VectorIndex.Qdrant.Host,
			Port:           cfg.VectorIndex.Qdrant.Port,
			APIKey:         cfg.VectorIndex.Qdrant.APIKey.Value(),
			UseTLS:         cfg.VectorIndex.Qdrant.UseTLS,
			VectorSize:     cfg.VectorIndex.Qdrant.VectorSize,
			RetryAttempts:  cfg.VectorIndex.Qdrant.RetryAttempts,
			MaxMessageSize: cfg.VectorIndex.Qdrant.MaxMessageSize,
		},
	}, nil, logger.Named("vectorindex"))
}

func retentionConfig(cfg *config.Config) retention.Config {
	return retention.Config{
		MaxSolutions:   cfg.Retention.MaxSolutions,
		MaxAge:         cfg.Retention.MaxAge(),
		MinValueScore:  cfg.Retention.MinValueScore,
		DedupThreshold: cfg.Retention.DedupSimilarityThreshold,
		DedupWindow:    cfg.Retention.DedupWindow,
		Collections:    cfg.Gateway.AllowedCollections,
		MaxRetries:     cfg.Retention.MaxRetries,
		RetryBackoff:   cfg.Retention.RetryBackoff,
		DeleteRate:     cfg.Retention.DeleteRate,
		DeleteBurst:    cfg.Retention.DeleteBurst,
	}
}
