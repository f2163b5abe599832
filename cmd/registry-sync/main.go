package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"premium-market/internal/config"
	"premium-market/internal/models"
	"premium-market/internal/repository"
	"premium-market/internal/services/exchange"
	"premium-market/internal/services/symbols"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var validate bool
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:   "registry-sync",
		Short: "Refresh the market symbol registry from every enabled exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, cfg, validate, logger)
		},
	}
	rootCmd.Flags().BoolVar(&validate, "validate", false, "also validate listed symbols against exchanges that support it")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall sync timeout")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Error("Registry sync failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, validate bool, logger *logrus.Logger) error {
	conn, err := repository.OpenClickHouse(ctx, &cfg.ClickHouse, "")
	if err != nil {
		return err
	}
	defer conn.Close()
	repo := repository.NewClickHouseSymbolRepository(conn, logger)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	adapters := exchange.NewAdapters(&cfg.Exchange, httpClient)

	discoverers := make([]symbols.Discoverer, 0, len(adapters))
	for _, a := range adapters {
		discoverers = append(discoverers, a)
	}
	registry := symbols.NewRegistry(repo, discoverers, nil, cfg.Registry.RefreshInterval, logger)

	logger.Infof("🚀 Syncing %d exchanges (validate=%v)", len(adapters), validate)

	bar := progressbar.NewOptions(len(adapters),
		progressbar.OptionSetDescription("Refreshing registry"),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	failed := 0
	for _, a := range adapters {
		bar.Describe(fmt.Sprintf("Refreshing %-8s", a.Exchange()))
		active, err := registry.Refresh(ctx, a.Exchange())
		if err != nil {
			failed++
			bar.Add(1)
			continue
		}

		if validator, ok := a.(exchange.Validator); ok && validate {
			if err := validateListed(ctx, registry, validator, a.Exchange(), active); err != nil {
				logger.WithError(err).WithField("exchange", a.Exchange()).Warn("Validation incomplete")
			}
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Println()

	if stats, err := repo.GetStats(ctx); err == nil {
		for status, n := range stats {
			logger.Infof("📊 %-9s %d", status, n)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d exchanges failed to refresh", failed, len(adapters))
	}
	logger.Info("✅ Registry sync completed successfully!")
	return nil
}

// validateListed checks listed symbols and records both outcomes. Partial
// results are recorded even when validation stops early.
func validateListed(ctx context.Context, registry *symbols.Registry, v exchange.Validator, name string, active []models.MarketSymbol) error {
	var listed []models.MarketSymbol
	for _, s := range active {
		if s.Status == models.SymbolListed {
			listed = append(listed, s)
		}
	}
	if len(listed) == 0 {
		return nil
	}

	valid, invalid, err := v.Validate(ctx, listed)
	if markErr := registry.MarkValidated(ctx, name, symbolNames(valid), symbolNames(invalid)); markErr != nil {
		return markErr
	}
	return err
}

func symbolNames(syms []models.MarketSymbol) []string {
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.Symbol
	}
	return names
}
