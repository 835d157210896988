package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"awg-keeper/pkg/api"
	"awg-keeper/pkg/app"
	"awg-keeper/pkg/auth"
	"awg-keeper/pkg/reconciler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation loop and the admin API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		noAPI, _ := cmd.Flags().GetBool("no-api")
		return withApp(cmd, func(a *app.App, log zerolog.Logger) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, log, !noAPI)
		})
	},
}

func init() {
	serveCmd.Flags().Bool("no-api", false, "run only the reconciliation loop")
}

func serve(ctx context.Context, a *app.App, log zerolog.Logger, withAPI bool) error {
	var hub *api.WSHub
	if withAPI {
		hub = api.NewWSHub(log.With().Str("component", "events").Logger())
		a.Reconciler.Options.OnReport = func(r reconciler.Report) {
			hub.Broadcast(api.WSMessage{Type: "reconcile_report", Payload: r})
		}
	}
	if err := a.Reconciler.Start(ctx); err != nil {
		return err
	}
	log.Info().Dur("interval", a.Settings.Sync.Interval).Msg("reconciliation loop started")

	if !withAPI {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		a.Reconciler.Stop()
		return nil
	}

	srv, err := newHTTPServer(a, hub, log)
	if err != nil {
		a.Reconciler.Stop()
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("admin API listening")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.Reconciler.Stop()
			return fmt.Errorf("admin API: %w", err)
		}
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin API shutdown")
	}
	hub.Close()
	a.Reconciler.Stop()
	return nil
}

func newHTTPServer(a *app.App, hub *api.WSHub, log zerolog.Logger) (*http.Server, error) {
	cfg := a.Settings.API
	var signer *auth.Signer
	if cfg.JWTSecret != "" {
		var err error
		if signer, err = auth.NewSigner(cfg.JWTSecret); err != nil {
			return nil, err
		}
	}
	if cfg.Token == "" && signer == nil {
		log.Warn().Msg("admin API has no token or JWT secret configured; it is unauthenticated")
	}
	tlsCfg, err := api.ServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	server := &api.Server{
		Admin:       a.Admin,
		Provisioner: a.Provisioner,
		Syncer:      a.Reconciler,
		Users:       a.Users(),
		Signer:      signer,
		Token:       cfg.Token,
		Hub:         hub,
		Log:         log.With().Str("component", "api").Logger(),
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
