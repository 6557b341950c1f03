package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pixrelay/internal/config"
	"pixrelay/internal/guard"
	"pixrelay/internal/handler/rest"
	"pixrelay/internal/provider/asaas"
	"pixrelay/internal/repository"
	"pixrelay/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server",
	RunE:  runServe,
}

// newServer builds the HTTP server. Request contexts are not derived from the signal
// context: Shutdown lets in-flight withdrawals answer with their provider data.
func newServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         net.JoinHostPort("", cfg.Port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	cfg, log := a.cfg, a.log

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewReferenceStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close reference store")
		}
	}()

	g := guard.New(store, cfg.Guard, log, a.metrics)
	if _, err := g.Load(ctx); err != nil {
		return err
	}

	provider := asaas.NewClient(cfg.Provider, log, a.metrics)
	withdrawals := service.NewWithdrawalService(g, provider, log, a.metrics)

	srv := newServer(cfg.Server, rest.NewRouter(rest.Dependencies{
		Config:  cfg,
		Service: withdrawals,
		Store:   store,
		Log:     log,
		Metrics: a.metrics,
	}))

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	// forwards detached from their callers still have to settle their reservations
	if err := withdrawals.Drain(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("in-flight withdrawals did not finish")
	}

	log.Info().Msg("relay stopped")
	return nil
}
