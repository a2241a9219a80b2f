package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/auth"
	"github.com/TidewaterLabs/concord/backend/internal/config"
	"github.com/TidewaterLabs/concord/backend/internal/database"
	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"github.com/TidewaterLabs/concord/backend/internal/engine"
	"github.com/TidewaterLabs/concord/backend/internal/logging"
	"github.com/TidewaterLabs/concord/backend/internal/server"
	"github.com/TidewaterLabs/concord/backend/internal/sessions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "concord-sync",
		Short: "Concord document sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("persist-interval-seconds", defaults.GetInt("sync.persist_interval_s"), "Seconds an applied update may stay unpersisted")
	cmd.PersistentFlags().Int("persist-max-pending", defaults.GetInt("sync.persist_max_pending"), "Pending update count that forces a persist")
	cmd.PersistentFlags().Int("idle-eviction-seconds", defaults.GetInt("sync.idle_eviction_s"), "Seconds a subscriber-free document stays resident")
	cmd.PersistentFlags().Int("retry-backoff-ms", defaults.GetInt("sync.retry_backoff_ms"), "Initial persist retry backoff in milliseconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.persist_interval_s", "persist-interval-seconds")
	bindFlag(cmd, "sync.persist_max_pending", "persist-max-pending")
	bindFlag(cmd, "sync.idle_eviction_s", "idle-eviction-seconds")
	bindFlag(cmd, "sync.retry_backoff_ms", "retry-backoff-ms")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "concord-auth",
		Audience:      "concord-sync",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	documentStore, err := documents.NewStore(documents.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionRegistry, err := sessions.NewRegistry(sessions.RegistryConfig{
		Database:   db,
		IDProvider: sessions.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	directory, err := engine.NewDirectory(engine.DirectoryConfig{
		Store: documentStore,
		Settings: engine.Settings{
			PersistInterval:   appConfig.PersistInterval,
			PersistMaxPending: appConfig.PersistMaxPending,
			IdleEviction:      appConfig.IdleEviction,
			RetryBackoff:      appConfig.RetryBackoff,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Directory:    directory,
		Sessions:     sessionRegistry,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		directory.Shutdown(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
