package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notebook/api/internal/payload"
	"notebook/api/internal/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			if err := store.ApplyMigrations(ctx, db); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newSweepPayloadsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-payloads",
		Short: "Delete expired replication payloads once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			payloads, err := payload.BuildFromDSN(ctx, cfg.PayloadURL, db)
			if err != nil {
				return fmt.Errorf("payload store: %w", err)
			}
			defer payloads.Close()

			sweeper := payload.NewSweeper(payloads, logger)
			sweeper.TTL = cfg.PayloadTTL
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			logger.Info("payloads swept", "removed", removed, "ttl", cfg.PayloadTTL)
			return nil
		},
	}
}
