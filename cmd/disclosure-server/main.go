package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/disclosure/internal/config"
	"github.com/ehr/disclosure/internal/domain/disclosure"
	"github.com/ehr/disclosure/internal/platform/db"
	"github.com/ehr/disclosure/internal/platform/telemetry"
	"github.com/ehr/disclosure/migrations"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "disclosure-server",
		Short: "Clinical data disclosure API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the disclosure API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-8s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-8d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.Flags().String("database-url", "", "Connection string with DDL rights (default: DATABASE_URL)")
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, *pgxpool.Pool, error) {
	dir, _ := cmd.Flags().GetString("dir")
	url, _ := cmd.Flags().GetString("database-url")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if url == "" {
		url = cfg.DatabaseURL
	}

	var files fs.FS = migrations.FS
	if dir != "" {
		files = os.DirFS(dir)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             url,
		MaxConns:        2,
		ApplicationName: "disclosure-migrate",
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, files), pool, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database: one pool for reads, one restricted to appending audit rows.
	reader, err := db.NewPool(ctx, db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		ApplicationName:  "disclosure-reader",
		StatementTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer reader.Close()

	audit, err := db.NewPool(ctx, db.PoolConfig{
		URL:              cfg.AuditDatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		ApplicationName:  "disclosure-audit",
		StatementTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to audit database")
	}
	defer audit.Close()
	if cfg.SharedAuditCredentials() {
		logger.Warn().Msg("AUDIT_DATABASE_URL not set; audit writes use the reader credentials")
	}
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		db.NewPoolCollector(map[string]*pgxpool.Pool{"reader": reader, "audit": audit}),
	)

	// Tracing
	tp, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "disclosure-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	tp.Install()

	svc := disclosure.NewService(
		disclosure.NewClinicianRegistryPG(reader),
		disclosure.NewGrantRepoPG(reader),
		disclosure.NewRecordRepoPG(reader),
		disclosure.NewAuditRepoPG(audit),
		disclosure.WithLogger(logger.With().Str("component", "disclosure").Logger()),
		disclosure.WithMetrics(disclosure.NewMetrics(reg)),
		disclosure.WithStoreTimeout(cfg.StoreTimeout),
		disclosure.WithTracer(tp.Tracer("github.com/ehr/disclosure/internal/domain/disclosure")),
	)

	e, err := newServer(cfg, serverDeps{
		logger:    logger,
		service:   svc,
		registry:  reg,
		telemetry: tp,
		pools:     map[string]db.Pinger{"reader": reader, "audit": audit},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
