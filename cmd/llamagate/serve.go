package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"llamagate/internal/config"
	"llamagate/internal/httpapi"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides the config (e.g. :8080)")
	return cmd
}

func serve(ctx context.Context, o *rootOptions, addrOverride string) error {
	a, err := newApp(ctx, o)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	cfg := a.cfg
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}

	httpapi.SetLogger(a.log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins, cfg.HTTP.CORSMethods, cfg.HTTP.CORSHeaders)
	httpapi.SetRequestLogLevel(cfg.Log.Level)
	httpapi.InitPropagator()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	if o.configPath != "" {
		w, err := config.NewWatcher(o.configPath, o.envFiles, func(c config.Config, err error) {
			if err != nil {
				return
			}
			if err := a.svc.SetBounds(c.Bounds()); err != nil {
				a.log.Error().Err(err).Msg("rejecting reloaded bounds")
			}
		}, a.log.With().Str("component", "config").Logger())
		if err != nil {
			a.log.Warn().Err(err).Msg("config watcher disabled")
		} else {
			go func() {
				if err := w.Run(ctx); err != nil {
					a.log.Warn().Err(err).Msg("config watcher stopped")
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(a.svc),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", cfg.Addr).Str("engine", a.engName).Msg("llamagate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		a.log.Error().Err(serveErr).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	// Requests still queued or generating when the shutdown budget runs out
	// are released with a cancellation.
	context.AfterFunc(shutdownCtx, cancelBase)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := a.close(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
