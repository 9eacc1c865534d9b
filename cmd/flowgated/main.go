// Command flowgated is the demo HTTP service fronting a bucket.TokenBucket:
// a global limiter shared by every request, plus a per-IP keyedlimiter
// wrapper, wired through the same middleware chain shape as
// minis/50-mini-service-all-features/cmd/service, with the graceful
// shutdown of minis/09-http-server-graceful.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/go-edu/flowgate/bucket"
	"github.com/go-edu/flowgate/internal/config"
	"github.com/go-edu/flowgate/internal/keyedlimiter"
	"github.com/go-edu/flowgate/internal/metrics"
	"github.com/go-edu/flowgate/internal/middleware"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(&cfg.Logging)
	logger.Info().Msg("starting flowgated")

	m := metrics.New()
	rec := metrics.NewBucketRecorder(m)

	globalBucket, err := bucket.New(buildMust(cfg.RateLimit.BucketConfig(bucket.WithRecorder(rec))))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build global limiter")
	}
	defer globalBucket.Close()

	perIP := keyedlimiter.New(func() (bucket.Config, error) {
		return cfg.KeyLimit.BucketConfig(bucket.WithRecorder(rec))
	})
	defer perIP.Close()

	sweepTicker := time.NewTicker(5 * time.Minute)
	defer sweepTicker.Stop()
	go func() {
		for range sweepTicker.C {
			perIP.Sweep(10 * time.Minute)
		}
	}()

	handler := buildRouter(cfg, logger, m, globalBucket, perIP)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	globalBucket.DenyAll()

	logger.Info().Msg("stopped gracefully")
}

func buildMust(cfg bucket.Config, err error) bucket.Config {
	if err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("invalid rate limit configuration")
	}
	return cfg
}

func buildRouter(
	cfg *config.Config,
	logger zerolog.Logger,
	m *metrics.Metrics,
	globalBucket *bucket.TokenBucket,
	perIP *keyedlimiter.Limiter,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		res, err := globalBucket.RequestGrant(r.Context(), bucket.Exact(1))
		if err != nil || !res.Done {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("granted\n"))
	})

	return middleware.Chain(
		mux,
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.Metrics(m),
		middleware.CORS(middleware.CORSConfig(cfg.CORS)),
		middleware.RateLimit(perIP),
	)
}

func setupLogger(cfg *config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
