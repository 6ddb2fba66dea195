// insightd is the AgentOven insights engine.
//
// It ingests agent events, runs the analyzer fleet on a maintenance tick
// and serves deduplicated insights over HTTP:
//   - Event ingestion and a read-optimized index
//   - Cost, behavior, performance, reliability and capacity analyzers
//   - Insight lifecycle (dismiss, suppress, resolve, TTL sweep)
//   - Alert triggers to log, in-memory and webhook sinks
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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/agentoven/insights/internal/config"
	"github.com/agentoven/agentoven/insights/internal/insights"
	"github.com/agentoven/agentoven/insights/pkg/server"
)

// version is set via ldflags: -X main.version=v1.0.0
var version = "dev"

var (
	logLevel string
	port     int
	dbPath   string
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "insightd",
		Short:   "AgentOven insights engine",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; production sets the environment directly.
			_ = godotenv.Load()
			return setupLog(logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to INSIGHTS_LOG_LEVEL or info")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "Listen port; overrides INSIGHTS_PORT")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQLite insight store migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), cmd)
		},
	}
	migrateCmd.Flags().StringVar(&dbPath, "db", "", "Database file; overrides INSIGHTS_DB_PATH")

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func setupLog(flag string) error {
	level := flag
	if level == "" {
		level = os.Getenv("INSIGHTS_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Msg("🏺 AgentOven Insights starting...")

	cfg := config.Load()
	if version != "dev" {
		cfg.Version = version
	}
	if port > 0 {
		cfg.Port = port
	}

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close insight store")
		}
		if err := srv.ShutdownFunc(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", srv.Port).Msg("🔥 AgentOven Insights is hot and ready!")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		srv.Sequencer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrate(ctx context.Context, cmd *cobra.Command) error {
	cfg := config.Load()
	path := cfg.Store.DBPath
	if dbPath != "" {
		path = dbPath
	}

	s, err := insights.OpenSQLite(ctx, path, insights.DefaultOptions())
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := insights.SchemaVersion(s.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", path, v)
	return nil
}
