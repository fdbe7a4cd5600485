/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contentious-fines server. Loads configuration,
  opens the store, wires the engine and handles graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Open the store (SQLite or PostgreSQL), which migrates the schema
  3. Build sequence generator, mandate registry, calculator and recorder
  4. Configure HTTP router, start the integrity sweep
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (YAML, JSON, TOML or .env)
  -port    HTTP server port, overrides the configuration

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the integrity sweep
  4. Close database connection

EXAMPLES:
  # SQLite file in the working directory
  ./server

  # PostgreSQL
  GESTCONT_DB_DRIVER=postgres GESTCONT_DB_DSN=postgres://localhost/gestcont ./server

  # Config file and another port
  ./server -config=./gestcont.yaml -port=3000

ENVIRONMENT:
  Every option can be set as GESTCONT_<SECTION>_<KEY>. See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Options and defaults
  - store/sqldb/store.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/onomatopet/gestcontentieux/api"
	"github.com/onomatopet/gestcontentieux/config"
	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/mandate"
	"github.com/onomatopet/gestcontentieux/metrics"
	"github.com/onomatopet/gestcontentieux/recording"
	"github.com/onomatopet/gestcontentieux/sequence"
	"github.com/onomatopet/gestcontentieux/store/sqldb"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := sqldb.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Engine
	rates, err := cfg.DistributionRates()
	if err != nil {
		return err
	}
	tolerance, err := cfg.Tolerance()
	if err != nil {
		return err
	}
	identity := fiscal.ContextIdentity("anonymous")

	seq := sequence.New(sequence.WithLogger(logger), sequence.WithMetrics(m), sequence.WithIdentity(identity))
	mandates := mandate.NewRegistry(store, seq,
		mandate.WithLogger(logger), mandate.WithMetrics(m), mandate.WithIdentity(identity))
	calc, err := distribution.New(rates,
		distribution.WithTolerance(tolerance), distribution.WithLogger(logger), distribution.WithMetrics(m))
	if err != nil {
		return err
	}
	recorder := recording.New(store, mandates, seq, calc,
		recording.WithLogger(logger), recording.WithMetrics(m), recording.WithIdentity(identity))

	if active, ok, err := mandates.Active(ctx); err != nil {
		return fmt.Errorf("load active mandate: %w", err)
	} else if ok {
		logger.Info("active mandate loaded", "mandate", active)
	} else {
		logger.Warn("no active mandate, recording is disabled until one is activated")
	}

	// Integrity sweep
	sweep := api.NewIntegrityScheduler(store, seq, cfg.Sweep.Schedule, logger)
	sweep.Enabled = cfg.Sweep.Enabled
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	// HTTP
	handler := api.NewHandler(store, mandates, recorder, calc, seq, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", cfg.DB.Driver, "rates", rates.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
