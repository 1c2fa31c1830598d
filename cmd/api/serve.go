package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notebook/api/internal/ai"
	"notebook/api/internal/aitask"
	"notebook/api/internal/collab"
	"notebook/api/internal/config"
	"notebook/api/internal/executor"
	"notebook/api/internal/httpapi"
	"notebook/api/internal/lock"
	"notebook/api/internal/payload"
	"notebook/api/internal/replication"
	"notebook/api/internal/runtime"
	"notebook/api/internal/search"
	"notebook/api/internal/snapshot"
	"notebook/api/internal/store"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var replicaOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notebook API",
		Long: `Run the HTTP and websocket API.

Every process replicates open documents through Redis (or in memory when
REDIS_URL is unset). Processes with owner loops enabled also compete for the
per-document execution and AI leases.

Example:
  notebook-api serve --config ./notebook.yaml
  OWNER_LOOPS=false notebook-api serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			if replicaOnly {
				cfg.OwnerLoops = false
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&replicaOnly, "replica", false, "sync documents without running executions or AI tasks")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	payloads, err := payload.BuildFromDSN(ctx, cfg.PayloadURL, db)
	if err != nil {
		return fmt.Errorf("payload store: %w", err)
	}
	defer payloads.Close()

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	bus, err := replication.NewBus(transport, payloads, replication.Options{
		ChannelLimit: cfg.ChannelLimit,
		Logger:       logger,
	})
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("replication bus: %w", err)
	}
	defer bus.Close()

	var hub *collab.Hub
	var external search.External
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		external = meili
	}
	catalog := search.NewCatalog(store.NewCatalogStore(db), external, search.CatalogOptions{
		BlockTitle: func(documentID, blockID string) string {
			if hub == nil {
				return ""
			}
			room, ok := hub.Lookup(documentID)
			if !ok {
				return ""
			}
			block, err := room.Document().Block(blockID)
			if err != nil {
				return ""
			}
			return block.Base().Title
		},
		Logger: logger,
	})

	if strings.TrimSpace(cfg.RuntimeURL) == "" {
		logger.Warn("RUNTIME_URL is not set, executions will fail until a runtime is configured")
	}
	registry := executor.NewRegistry(runtime.NewHTTPClient(cfg.RuntimeURL, cfg.RuntimeToken, logger), executor.Options{
		WorkspaceID: cfg.WorkspaceID,
		Indexer:     catalog,
		Logger:      logger,
	})

	var aiExecutor *aitask.Executor
	if strings.TrimSpace(cfg.AIURL) != "" {
		aiExecutor = aitask.NewExecutor(ai.NewHTTPClient(cfg.AIURL, cfg.AIAPIKey), aitask.ExecutorOptions{Logger: logger})
	} else {
		logger.Info("AI_URL is not set, AI tasks stay queued on this process")
	}

	leases := lock.Options{Lease: cfg.LockLease, Timeout: cfg.LockAcquireTimeout}
	hub = collab.New(collab.Deps{
		Bus:       bus,
		Snapshots: store.NewSnapshotStore(db),
		Locker:    lock.NewManager(lock.NewSQLStore(db), logger),
		Resolver:  registry,
		AI:        aiExecutor,
	}, collab.Options{
		OwnerLoops:      cfg.OwnerLoops,
		PersistInterval: cfg.SnapshotPersistInterval,
		AbortGrace:      cfg.AbortGrace,
		Lock:            leases,
		AI: aitask.PoolOptions{
			Concurrency:  cfg.AIConcurrency,
			PingTimeout:  cfg.AIPingTimeout,
			RestartDelay: cfg.AIRestartDelay,
			Lock:         leases,
		},
		Logger: logger,
	})

	api := httpapi.New(hub, httpapi.Options{
		DB:         db,
		Snapshots:  snapshot.New(cfg.SnapshotsDir),
		Catalog:    catalog,
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweeper := payload.NewSweeper(payloads, logger)
	sweeper.TTL = cfg.PayloadTTL
	sweeper.Interval = cfg.PayloadSweepInterval

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := catalog.Reindex(groupCtx); err != nil {
			logger.Warn("catalog reindex failed", "error", err)
		}
		return nil
	})
	group.Go(func() error {
		sweeper.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("notebook api listening", "addr", cfg.Addr, "ownerLoops", cfg.OwnerLoops, "sender", bus.SenderID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", "error", err)
		}
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("hub shutdown error", "error", err)
		}
		return nil
	})

	err = group.Wait()
	logger.Info("notebook api stopped")
	return err
}

func buildTransport(cfg config.Config, logger *slog.Logger) (replication.Transport, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("REDIS_URL is not set, replicating in memory only")
		return replication.NewMemoryTransport(), nil
	}
	transport, err := replication.NewRedisTransport(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return transport, nil
}
