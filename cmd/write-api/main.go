package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neominik/write-collab/internal/auth"
	"github.com/neominik/write-collab/internal/collab"
	"github.com/neominik/write-collab/internal/config"
	"github.com/neominik/write-collab/internal/database"
	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/logging"
	"github.com/neominik/write-collab/internal/metrics"
	"github.com/neominik/write-collab/internal/realtime"
	"github.com/neominik/write-collab/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "write-api",
		Short: "Collaborative document backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAdminTokenCommand())

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
	cmd.PersistentFlags().Int("database-max-open-conns", defaults.GetInt("database.max_open_conns"), "SQLite connection pool bound")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("admin-token-ttl-minutes", defaults.GetInt("admin.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().Int("snapshot-debounce-seconds", defaults.GetInt("snapshot.debounce_seconds"), "Minimum spacing between snapshot versions")
	cmd.PersistentFlags().Int("stream-heartbeat-seconds", defaults.GetInt("stream.heartbeat_seconds"), "Keep-alive interval for event streams")
	cmd.PersistentFlags().Int("session-persist-timeout-seconds", defaults.GetInt("session.persist_timeout_seconds"), "Bound on each session write to the store")
	cmd.PersistentFlags().StringSlice("cors-allowed-origins", nil, "Allowed browser origins (empty allows any)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.max_open_conns", "database-max-open-conns")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.token_ttl_minutes", "admin-token-ttl-minutes")
	bindFlag(cmd, "snapshot.debounce_seconds", "snapshot-debounce-seconds")
	bindFlag(cmd, "stream.heartbeat_seconds", "stream-heartbeat-seconds")
	bindFlag(cmd, "session.persist_timeout_seconds", "session-persist-timeout-seconds")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
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

func newAdminTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the admin routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token and in admin logs")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
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

	db, err := database.OpenSQLite(database.Options{
		Path:         appConfig.DatabasePath,
		MaxOpenConns: appConfig.DatabaseMaxOpenConns,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := documents.NewStore(documents.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		HeartbeatInterval: appConfig.StreamHeartbeat,
		Logger:            logger,
		Metrics:           registry,
	})
	policy := collab.NewPersistencePolicy(collab.PolicyConfig{
		Store:            store,
		SnapshotDebounce: appConfig.SnapshotDebounce,
		WriteTimeout:     appConfig.PersistTimeout,
		Logger:           logger,
		Metrics:          registry,
	})
	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:      store,
		Policy:     policy,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    registry,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Manager:        manager,
		Catalog:        store,
		Authenticator:  tokenIssuer,
		Metrics:        registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Streams and sync peers watch their request context, so cancelling the base context
	// lets Shutdown finish instead of waiting on them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serverErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(serverErr, manager.Shutdown(shutdownCtx))
	case err := <-errCh:
		if shutdownErr := manager.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("failed to flush sessions", zap.Error(shutdownErr))
		}
		return err
	}
}
