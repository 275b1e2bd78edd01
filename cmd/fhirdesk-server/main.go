package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirdesk/fhirdesk/internal/config"
	"github.com/fhirdesk/fhirdesk/internal/domain/prefs"
	"github.com/fhirdesk/fhirdesk/internal/platform/db"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/internal/server"
)

// prefRetention is how long a saved server preference is kept without being
// touched. It matches the session cookie lifetime: rows for cookies the
// browser has already forgotten are dead weight.
const prefRetention = 30 * 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirdesk-server",
		Short: "Patient browser API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient browser API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the configured FHIR servers and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck()
		},
	}
}

// newLogger builds the process logger. Development gets human-readable
// console output, everything else logs JSON. An unrecognized level string
// leaves the logger at its default.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level != "" {
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Preference store: Postgres when configured, in-memory otherwise. The
	// in-memory store still gives every feature; saved server choices just
	// do not survive a restart.
	ctx := context.Background()
	var (
		pool  *pgxpool.Pool
		store prefs.Store = prefs.NewInMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pg := prefs.NewPGStoreFromPool(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare preference schema")
		}
		if err := pg.PruneStale(ctx, prefRetention); err != nil {
			logger.Warn().Err(err).Msg("pruning stale server preferences failed")
		}
		store = pg
		logger.Info().Msg("connected to database")
	} else {
		logger.Info().Msg("DATABASE_URL not set; server preferences are kept in memory")
	}

	srv, err := server.New(cfg, logger, store, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Strs("fhir_servers", cfg.Endpoints()).
			Str("default_server", cfg.DefaultEndpoint()).
			Msg("starting server")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// probeResult is the outcome of one capability probe.
type probeResult struct {
	endpoint string
	version  string
	software string
	err      error
}

// probeEndpoints fetches each server's capability statement sequentially.
// One result is returned per endpoint, in the order given.
func probeEndpoints(ctx context.Context, endpoints []string, timeout time.Duration) []probeResult {
	httpClient := &http.Client{Timeout: timeout}

	results := make([]probeResult, 0, len(endpoints))
	for _, endpoint := range endpoints {
		res := probeResult{endpoint: endpoint}
		client, err := fhir.NewClient(endpoint, fhir.WithHTTPClient(httpClient))
		if err != nil {
			res.err = err
			results = append(results, res)
			continue
		}
		md, err := client.Metadata(ctx)
		if err != nil {
			res.err = err
		} else {
			res.version = md.FHIRVersion
			res.software = md.SoftwareName
		}
		results = append(results, res)
	}
	return results
}

func runCheck() error {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Probes run sequentially, so the overall budget scales with the
	// number of servers.
	endpoints := cfg.Endpoints()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.FHIRTimeout()*time.Duration(len(endpoints)+1))
	defer cancel()

	defaultDown := false
	for _, res := range probeEndpoints(ctx, endpoints, cfg.FHIRTimeout()) {
		if res.err != nil {
			logger.Error().Str("endpoint", res.endpoint).Err(res.err).Msg("FHIR server unreachable")
			if res.endpoint == cfg.DefaultEndpoint() {
				defaultDown = true
			}
			continue
		}
		logger.Info().
			Str("endpoint", res.endpoint).
			Str("fhir_version", res.version).
			Str("software", res.software).
			Msg("FHIR server reachable")
	}

	if defaultDown {
		return fmt.Errorf("default FHIR server %s is unreachable", cfg.DefaultEndpoint())
	}
	return nil
}
