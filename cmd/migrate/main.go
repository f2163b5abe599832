package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"premium-market/internal/config"
	"premium-market/internal/repository"
	"premium-market/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var timeout time.Duration
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres and ClickHouse schemas",
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall migration timeout")

	withConfig := func(run func(ctx context.Context, cfg *config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, cfg)
		}
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "postgres",
			Short: "Create vault, position and settlement log tables",
			RunE:  withConfig(migratePostgres),
		},
		&cobra.Command{
			Use:   "clickhouse",
			Short: "Create the market symbol registry database and table",
			RunE:  withConfig(migrateClickHouse),
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run every migration",
			RunE: withConfig(func(ctx context.Context, cfg *config.Config) error {
				if err := migratePostgres(ctx, cfg); err != nil {
					return err
				}
				return migrateClickHouse(ctx, cfg)
			}),
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Error("Migration failed")
		os.Exit(1)
	}
}

func migratePostgres(ctx context.Context, cfg *config.Config) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := store.OpenPool(ctx, &cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger.Info("Creating Postgres tables...")
	if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Infof("✓ Postgres schema applied (%d statements)", len(store.Schema))
	return nil
}

func migrateClickHouse(ctx context.Context, cfg *config.Config) error {
	// connect to default first so the target database can be created
	conn, err := repository.OpenClickHouse(ctx, &cfg.ClickHouse, "default")
	if err != nil {
		return err
	}
	logger.Infof("Creating database: %s", cfg.ClickHouse.Database)
	err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.ClickHouse.Database))
	conn.Close()
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	logger.Info("✓ Database created")

	conn, err = repository.OpenClickHouse(ctx, &cfg.ClickHouse, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("Creating market_symbols table...")
	if err := conn.Exec(ctx, repository.SymbolsTableDDL); err != nil {
		return fmt.Errorf("create market_symbols: %w", err)
	}
	logger.Info("✓ market_symbols table created")

	for _, idx := range repository.SymbolsTableIndexes {
		if err := conn.Exec(ctx, idx); err != nil {
			logger.WithError(err).Warn("Failed to create index")
		}
	}
	logger.Info("✅ ClickHouse migration completed successfully!")
	return nil
}
