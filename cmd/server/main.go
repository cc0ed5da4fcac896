package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtrntr/stockmarket/internal/auth"
	"github.com/xtrntr/stockmarket/internal/cli"
	"github.com/xtrntr/stockmarket/internal/config"
	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/log"
	"github.com/xtrntr/stockmarket/internal/session"
	"github.com/xtrntr/stockmarket/internal/web"
)

const sessionSweepInterval = 10 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve the stockmarket web application",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	config.AddServerFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(migrateCmd)

	cmd := cli.PrepareBaseCmd(rootCmd, "STOCKMARKET")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration, builds the logger and connects to the
// database. The caller closes the returned DB.
func setup(ctx context.Context) (*config.Config, log.Logger, *db.DB, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := log.NewDefaultLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Ping(ctx); err != nil {
		database.Close()
		return nil, nil, nil, err
	}
	return cfg, logger, database, nil
}

func runServer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, database, err := setup(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("database schema is up to date")
	}

	secret := []byte(cfg.Session.Secret)
	if len(secret) == 0 {
		secret = make([]byte, config.MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		logger.Info("no session.secret configured, using a random one; sessions end when the server restarts")
	}

	var store session.Store
	switch strings.ToLower(cfg.Session.Store) {
	case config.SessionStorePostgres:
		store = session.NewPostgresStore(database.Pool)
	default:
		store = session.NewMemoryStore()
	}

	sessions, err := session.NewManager(store, session.Config{
		Secret:     secret,
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
		Secure:     cfg.Session.SecureCookie,
	}, logger.With("module", "session"))
	if err != nil {
		return err
	}

	metrics := web.NopMetrics()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics = web.PrometheusMetrics(cfg.Metrics.Namespace)
		metricsHandler = promhttp.Handler()
	}

	handler, err := web.NewHandler(database, auth.NewAuthService(database, cfg.Auth.BcryptCost),
		sessions, logger.With("module", "web"), metrics)
	if err != nil {
		return err
	}

	go sweepSessions(ctx, sessions)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: web.NewRouter(handler, web.RouterOptions{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			MetricsHandler: metricsHandler,
		}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr, "session_store", cfg.Session.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// sweepSessions purges expired sessions until ctx is done.
func sweepSessions(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Sweep(ctx)
		}
	}
}
