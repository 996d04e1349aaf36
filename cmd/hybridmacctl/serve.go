package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freifunk-graviton/hybridmac/internal/api"
	"github.com/freifunk-graviton/hybridmac/internal/auth"
	"github.com/freifunk-graviton/hybridmac/internal/events"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API",
		Long: `Serve the policy table and lifecycle operations over HTTP/JSON.

Bearer token verification is enabled when auth.algorithm is set in the
configuration. The daemon is not stopped when the server shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			var mw *auth.Middleware
			if alg := rt.cfg.Auth.Algorithm; alg != "" {
				verifier, err := auth.NewVerifierFromFile(alg, rt.cfg.Auth.Secret, rt.cfg.Auth.PublicKeyFile)
				if err != nil {
					return fmt.Errorf("failed to initialize token verifier: %w", err)
				}
				mw = auth.NewMiddleware(verifier)
				rt.log.Info().Str("algorithm", alg).Msg("token verification enabled")
			} else {
				rt.log.Warn().Msg("token verification disabled; API is open")
			}

			if listen == "" {
				listen = rt.cfg.API.Listen
			}

			guarded := lifecycle.NewGuarded(rt.ctrl)
			hub := events.NewHub(events.Options{
				BufferSize:        rt.cfg.API.EventBufferSize,
				HeartbeatInterval: time.Duration(rt.cfg.API.HeartbeatSec) * time.Second,
			}, func() interface{} {
				var st lifecycle.Status
				_ = guarded.Do(func(c *lifecycle.Controller) error {
					st = c.Status()
					return nil
				})
				return st
			}, rt.log)
			// Lifecycle events go to the stream as well as the audit trail.
			if rt.auditor != nil {
				rt.ctrl.SetAuditor(lifecycle.Auditors{rt.auditor, hub})
			} else {
				rt.ctrl.SetAuditor(hub)
			}

			server := api.NewServer(guarded, mw, api.Options{
				ReadTimeout:  time.Duration(rt.cfg.API.ReadTimeoutSec) * time.Second,
				WriteTimeout: time.Duration(rt.cfg.API.WriteTimeoutSec) * time.Second,
				IdleTimeout:  120 * time.Second,
			}, rt.log)
			server.SetEventHub(hub)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- server.Start(listen)
			}()

			rt.log.Info().
				Str("health", fmt.Sprintf("http://%s/api/v1/health", listen)).
				Msg("hybrid MAC controller started")

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(shutdown)

			select {
			case sig := <-shutdown:
				rt.log.Info().Stringer("signal", sig).Msg("initiating graceful shutdown")
			case err := <-serverErr:
				if err != nil {
					return err
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			// Open streams would otherwise hold Shutdown until the timeout.
			hub.Close()

			if err := server.Stop(ctx); err != nil {
				rt.log.Error().Err(err).Msg("error stopping HTTP server")
				return err
			}
			rt.log.Info().Msg("HTTP server stopped gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides api.listen)")
	return cmd
}
