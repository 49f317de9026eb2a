package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boardline/internal/app"
	"boardline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecureActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the escalation, reconcile and notification loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: insecureActorHeader,
					Log:              rt.Log.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !insecureActorHeader {
					rt.Log.Warn(ctx, "BOARDLINE_JWT_SECRET not set; only API keys will authenticate")
				}
				cfg := rt.Config
				handler, err := server.New(server.Config{
					Engine:     rt.Engine,
					Reconciler: rt.Reconciler,
					BasePath:   basePath,
					Auth:       authCfg,
					Webhook: server.WebhookConfig{
						Secret:    os.Getenv(cfg.Server.WebhookSecretEnv),
						RateLimit: cfg.Server.WebhookRateLimit,
						Burst:     cfg.Server.WebhookBurst,
					},
					Log: rt.Log.Named("http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error { return rt.Scheduler.Run(gctx, cfg.Escalation.SweepInterval) })
				g.Go(func() error { return rt.Reconciler.Run(gctx, cfg.Reconcile.Interval) })
				g.Go(func() error { return rt.Engine.Dispatcher.Run(gctx, cfg.Notify.RetryInterval) })

				rt.Log.Info(ctx, "serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.String("board", cfg.Board.ID))
				fmt.Printf("Serving Boardline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&insecureActorHeader, "insecure-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	return cmd
}
