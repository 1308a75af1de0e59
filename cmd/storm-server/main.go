package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perfectstorm-io/storm/internal/api"
	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/groups"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/liveness"
	"github.com/perfectstorm-io/storm/internal/render"
	"github.com/perfectstorm-io/storm/internal/store"
	"github.com/perfectstorm-io/storm/internal/subscriptions"
	"github.com/perfectstorm-io/storm/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr   string
	dbDriver   string
	dbDSN      string
	logLevel   string
	eventCap   int
	eventBytes int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "storm-server",
		Short: "Storm coordinator — control plane for heterogeneous resource fleets",
		Long: `Storm coordinator owns the authoritative state of agents, resources,
groups, applications, procedures, jobs, and subscriptions, and exposes
an HTTP/JSON API plus an event stream to agents and clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("STORM_HTTP_ADDR", ":8000"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("STORM_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("STORM_DB_DSN", "./storm.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("STORM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.eventCap, "event-cap", envOrDefaultInt("STORM_EVENT_CAP", eventlog.DefaultCap), "Maximum number of retained event log records")
	root.PersistentFlags().Int64Var(&cfg.eventBytes, "event-bytes", envOrDefaultInt64("STORM_EVENT_BYTES", eventlog.DefaultMaxBytes), "Byte budget of the event log")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("storm-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// Opening the database applies pending migrations.
			_, err = db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			return err
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting storm coordinator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	events := eventlog.New(database, logger,
		eventlog.WithCap(cfg.eventCap),
		eventlog.WithMaxBytes(cfg.eventBytes),
	)
	st := store.New(database, events, logger)

	engine := groups.New(st, logger)
	jobSvc := jobs.New(st, render.Template{}, logger)

	dispatcher := subscriptions.New(st, engine, jobSvc, logger)
	events.AddListener(dispatcher.Handle)

	hub := websocket.NewHub()
	go hub.Run(ctx)
	events.AddListener(hub.Broadcast)

	sweeper := liveness.New(st, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Store:    st,
		Database: database,
		Events:   events,
		Groups:   engine,
		Jobs:     jobSvc,
		Sweeper:  sweeper,
		Hub:      hub,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down storm coordinator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
