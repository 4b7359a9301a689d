package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/adapters/acousticbrainz"
	"github.com/calliope-audio/backbeat/internal/adapters/cache"
	"github.com/calliope-audio/backbeat/internal/adapters/musicbrainz"
	"github.com/calliope-audio/backbeat/internal/adapters/rest"
	"github.com/calliope-audio/backbeat/internal/adapters/songbpm"
	"github.com/calliope-audio/backbeat/internal/adapters/spotify"
	"github.com/calliope-audio/backbeat/internal/analysis"
	"github.com/calliope-audio/backbeat/internal/config"
	"github.com/calliope-audio/backbeat/internal/core/ports"
	"github.com/calliope-audio/backbeat/internal/core/services"
	"github.com/calliope-audio/backbeat/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Driven adapters.
	store, err := cache.NewStore(cfg.Cache.Path, cfg.Cache.PositiveTTL.Duration, cfg.Cache.NegativeTTL.Duration)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open feature cache")
	}
	defer store.Close()

	search := songbpm.NewClient(cfg.Providers.SongBPM.APIKey, cfg.Providers.SongBPM.BaseURL, cfg.Providers.SongBPM.Timeout.Duration)
	recordings := musicbrainz.NewClient(cfg.Providers.MusicBrainz.BaseURL, cfg.Providers.MusicBrainz.UserAgent,
		cfg.Providers.MusicBrainz.RequestsPerSec, cfg.Providers.MusicBrainz.Timeout.Duration)
	acoustic := acousticbrainz.NewClient(cfg.Providers.AcousticBrainz.BaseURL, cfg.Providers.AcousticBrainz.Timeout.Duration)

	// The track-metadata source is optional: without credentials,
	// callers must supply title and artist themselves.
	var tracks ports.TrackSource
	if cfg.Providers.Spotify.ClientID != "" && cfg.Providers.Spotify.ClientSecret != "" {
		tracks = spotify.NewClient(cfg.Providers.Spotify.ClientID, cfg.Providers.Spotify.ClientSecret, cfg.Providers.Spotify.BaseURL)
	} else {
		log.Warn().Msg("no spotify credentials, track metadata lookups disabled")
	}

	var analyzer ports.PreviewAnalyzer = analysis.Disabled{}
	if cfg.Analysis.Enabled {
		pool := worker.NewPool(cfg.Analysis.QueueSize)
		pool.Start(cfg.Analysis.Workers)
		defer pool.Stop()
		analyzer = analysis.New(pool, cfg.Analysis.DownloadTimeout.Duration)
	} else {
		log.Info().Msg("local preview analysis disabled")
	}

	// Core.
	registry := prometheus.NewRegistry()
	resolver := services.NewResolver(services.ResolverParams{
		Cache:        store,
		Search:       search,
		Recordings:   recordings,
		Acoustic:     acoustic,
		Analyzer:     analyzer,
		Metrics:      services.NewMetrics(registry),
		CallTimeout:  cfg.Resolver.CallTimeout.Duration,
		TotalTimeout: cfg.Resolver.TotalTimeout.Duration,
	})

	// Driving adapter.
	handler := rest.NewHandler(resolver, tracks, store, registry)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	log.Info().Str("addr", cfg.Server.Addr).Msg("backbeat API is running")

	serverErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}
}
