package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hooke003/sidekick/internal/protocol"
	"github.com/hooke003/sidekick/internal/server/config"
	"github.com/hooke003/sidekick/internal/server/handlers"
	"github.com/hooke003/sidekick/internal/server/ratelimit"
	"github.com/hooke003/sidekick/internal/server/storage"
	"github.com/hooke003/sidekick/internal/server/ws"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "sidekick-server",
	Short:        "Relay server for sidekick clients",
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		store, err := storage.Open(cmd.Context(), cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer store.Close()
		log.Info("Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(migrateCmd)
}

func setup() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func serve(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		store = pg
	} else {
		log.Warn("DATABASE_URL is not set, keeping users and messages in memory")
		store = storage.NewMemory()
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	limiter := ratelimit.New(cfg.Limits())
	go limiter.Run(ctx)

	hub := ws.NewHub(store, protocol.NewCodec(cfg.MaxFrameBytes), log, ws.NewMetrics(reg))
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	h := handlers.New(hub, store, limiter, cfg.BcryptCost, log)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.Routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		limits := limiter.Limits()
		log.WithFields(logrus.Fields{
			"addr":             srv.Addr,
			"conns_per_ip":     limits.ConnectionsPerIP,
			"auth_per_minute":  limits.AuthPerMinute,
			"messages_per_sec": limits.MessagesPerSecond,
		}).Info("Server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		stopHub()
		<-hubDone
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Hijacked WebSocket connections are closed by the hub.
	stopHub()
	<-hubDone
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
