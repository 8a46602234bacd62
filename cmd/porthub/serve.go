package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"porthub/internal/app"
	"porthub/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the PortHub API with bearer JWT auth (PORTHUB_JWT_SECRET). PORTHUB_ALLOW_DEV_HEADER=true also accepts the X-Account-Identity header and enables /auth/dev/login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, logger, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:      rt.Secrets.JWTSecret,
					AllowDevHeader: rt.Secrets.AllowDevHeader,
					TokenTTL:       tokenTTL,
					Logger:         logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowDevHeader {
					return fmt.Errorf("PORTHUB_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:    rt.Engine,
					Repo:      rt.Repo,
					Outbox:    rt.Outbox,
					Collector: rt.Collector,
					BasePath:  basePath,
					Auth:      authCfg,
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				hooksDone := server.StartWebhooks(ctx, rt.Repo, rt.Config.Webhooks, logger)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving PortHub API", slog.String("addr", addr), slog.String("base_path", basePath), slog.Int("webhooks", len(rt.Config.Webhooks)))
				err = srv.ListenAndServe()
				stop()
				<-hooksDone
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of dev login tokens")
	return cmd
}
