package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/config"
	"github.com/systemshift/graphdiff/internal/diff/coordinator"
	"github.com/systemshift/graphdiff/internal/diff/enrich"
	"github.com/systemshift/graphdiff/internal/diff/merge"
	"github.com/systemshift/graphdiff/internal/diff/store"
	"github.com/systemshift/graphdiff/internal/events"
	"github.com/systemshift/graphdiff/internal/graph"
	"github.com/systemshift/graphdiff/internal/lock"
	"github.com/systemshift/graphdiff/internal/logging"
	"github.com/systemshift/graphdiff/internal/server/api"
)

func main() {
	configPath := flag.String("config", getEnv("GRAPHDIFF_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	schema, err := config.LoadSchema(cfg.Graph.SchemaPath)
	if err != nil {
		return err
	}

	g, err := graph.NewSQLite(ctx, cfg.Graph.Path, schema, logger.Named("graph"))
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer g.Close(ctx)

	repo, err := openDiffStore(ctx, cfg.DiffStore)
	if err != nil {
		return err
	}
	defer repo.Close(ctx)
	logger.Info("stores opened",
		zap.String("graph_path", cfg.Graph.Path),
		zap.String("diff_store", cfg.DiffStore.Driver))

	pipeline := enrich.NewPipeline(logger.Named("enrich"),
		enrich.Summary{},
		enrich.SchemaLabels{Schema: schema},
		enrich.NewLabels(g, cfg.Diff.LabelBatchSize, cfg.Diff.LabelWorkers, logger.Named("labels")),
	)
	coord := coordinator.New(g, repo, g,
		coordinator.WithPipeline(pipeline),
		coordinator.WithSchema(schema),
		coordinator.WithLogger(logger.Named("coordinator")),
	)
	merger := merge.New(coord, merge.NewSink(g.Batch, g.SetBranchedFrom), logger.Named("merge"))
	locks := lock.NewRegistry()

	var notifier *events.Notifier
	if cfg.Events.WebhookURL != "" {
		notifier = events.NewNotifier(cfg.Events.WebhookURL, logger.Named("webhook"))
	}
	manager := events.NewManager(events.Config{
		BufferSize:        cfg.Events.BufferSize,
		Workers:           cfg.Events.Workers,
		UpdateConcurrency: cfg.Events.UpdateConcurrency,
	}, g, coord, merger, locks, notifier, logger.Named("events"))
	manager.Start()
	defer manager.Stop()

	apiServer := api.New(g, coord, merger, locks, manager,
		api.Options{AllowUnresolved: cfg.Merge.AllowUnresolvedConflicts},
		logger.Named("api"))
	r := apiServer.Routes()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting graphdiff server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

func openDiffStore(ctx context.Context, cfg config.DiffStoreConfig) (store.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		repo, err := store.NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite diff store: %w", err)
		}
		return repo, nil
	case config.DriverNeo4j:
		repo, err := store.NewNeo4j(ctx, store.Neo4jConfig{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to neo4j diff store: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown diff store driver %q", cfg.Driver)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
