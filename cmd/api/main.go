package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pixrelay/internal/config"
	"pixrelay/internal/logger"
	"pixrelay/internal/metrics"
	"pixrelay/internal/repository"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pixrelay",
	Short: "Idempotent PIX withdrawal relay",
	Long: `pixrelay accepts authenticated withdrawal requests, forwards each externalReference
to the payment provider at most once and answers duplicates with already_processed.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, referenceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the part of the wiring every command needs.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func bootstrap() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.Logger)
	if cfg.ConfigFile != "" {
		log.Info().Str("file", cfg.ConfigFile).Msg("configuration loaded")
	}

	return &app{cfg: cfg, log: log, metrics: metrics.New()}, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the processed reference schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}

		store, err := repository.NewReferenceStore(commandContext(cmd), a.cfg.Store, a.log)
		if err != nil {
			return err
		}
		defer store.Close()

		a.log.Info().Str("store", a.cfg.Store.Type).Msg("reference store is ready")
		return nil
	},
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
