package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"suasflow/internal/app"
	"suasflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the rule scheduler and event notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret (or SUAS_SERVER_JWT_SECRET) is required for bearer auth")
				}
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Referrals:      a.Referrals,
					Automation:     a.Automation,
					Repo:           a.Repo,
					Metrics:        a.Metrics,
					Log:            a.Log.Named("http"),
					BasePath:       basePath,
					MunicipalityID: cfg.Scope.MunicipalityID,
					Auth: server.AuthConfig{
						JWTSecret:              cfg.Server.JWTSecret,
						AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					a.Log.Info("serving SUAS Flow API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					// Stop the workers when the server exits on its own.
					return context.Canceled
				})
				if cfg.Automation.SchedulerEnabled && !noScheduler {
					sched := a.Scheduler()
					g.Go(func() error { return sched.Run(gctx) })
				}
				dispatcher := a.Dispatcher()
				g.Go(func() error { return dispatcher.Run(gctx) })

				fmt.Printf("Serving SUAS Flow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (default from server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run due rules in the background")
	return cmd
}
