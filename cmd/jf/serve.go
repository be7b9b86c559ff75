package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journalflow/internal/notify"
	"journalflow/internal/obs"
	"journalflow/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		rl             server.RateLimitConfig
		actorHeader    bool
		devTokens      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  "Serves the API under --base-path with Swagger UI at <base-path>/docs and Prometheus metrics at /metrics. JF_JWT_SECRET signs and verifies bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: actorHeader,
			}
			if authCfg.JWTSecret == "" && !actorHeader {
				return fmt.Errorf("JF_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      authCfg,
				RateLimit: rl,
				Metrics:   obs.Default(),
				DevTokens: devTokens,
			})
			if err != nil {
				return err
			}
			server.StartAuditForwarder(ctx, rt.Repo(), rt.Config)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Str("journal", rt.Config.Journal.ID).Msg("serving journalflow API")
			fmt.Printf("Serving journalflow API on http://%s%s (Swagger UI at %s/docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (prefer JF_JWT_SECRET)")
	cmd.Flags().Float64Var(&rl.PerSecond, "rate", 20, "requests per second per client; 0 disables")
	cmd.Flags().IntVar(&rl.Burst, "burst", 40, "rate limit burst")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (development only)")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "expose POST /auth/token (development only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications",
		Long:  "Consumes the asynq notification queue configured under notify: in journalflow.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.Config.Notify
			rt.Close()
			if cfg.Driver != "asynq" {
				return fmt.Errorf("notify.driver is %q; the worker needs asynq", cfg.Driver)
			}
			w := notify.NewWorker(cfg, concurrency, notify.LogSink{})
			log.Info().Str("queue", cfg.Queue).Int("concurrency", concurrency).Msg("notification worker started")
			return w.Run()
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel deliveries")
	return cmd
}
