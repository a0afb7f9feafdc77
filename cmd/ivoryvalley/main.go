package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ivoryvalley/ivoryvalley/pkg/config"
	"github.com/ivoryvalley/ivoryvalley/pkg/httpproxy"
	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/recorder"
	"github.com/ivoryvalley/ivoryvalley/pkg/relay"
	"github.com/ivoryvalley/ivoryvalley/pkg/server"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
	"github.com/ivoryvalley/ivoryvalley/pkg/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("ivoryvalley exited")
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ivoryvalley",
		Short: "A dedup-aware reverse proxy for a Mastodon-API client and one Fediverse instance",
	}
	flags := config.RegisterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(flags)
	}
	return cmd
}

func run(flags *config.Flags) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := log.Logger.Level(level)

	seenStore, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open seen-uri store: %w", err)
	}
	defer seenStore.Close()

	rec, err := recorder.Open(cfg.RecordTrafficPath)
	if err != nil {
		return fmt.Errorf("open traffic recorder: %w", err)
	}
	defer rec.Close()

	counters := &metrics.Counters{}
	client := upstream.New(cfg.ConnectTimeout, cfg.RequestTimeout)
	externalStreamingURL := server.ExternalStreamingURL("", cfg.Host, cfg.Port)

	httpHandler := &httpproxy.Handler{
		Upstream:             cfg.UpstreamURL,
		Client:               client,
		Store:                seenStore,
		Counters:             counters,
		MaxBodySize:          cfg.MaxBodySize,
		Recorder:             rec,
		ExternalStreamingURL: externalStreamingURL,
		Logger:               logger.With().Str("component", "httpproxy").Logger(),
	}

	rl := relay.New(seenStore, counters, logger.With().Str("component", "relay").Logger())

	mux := server.Mux(httpHandler, rl, cfg.UpstreamURL, counters, seenStore, logger)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().
			Str("listen_addr", listenAddr).
			Str("upstream", cfg.UpstreamURL.String()).
			Str("database_path", cfg.DatabasePath).
			Str("max_body_size", humanize.IBytes(uint64(cfg.MaxBodySize))).
			Msg("starting ivoryvalley")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("ivoryvalley server exited unexpectedly")
		}
	}()

	server.WaitForShutdown(ctx, httpServer, cfg.GracefulShutdown, logger)
	return nil
}
