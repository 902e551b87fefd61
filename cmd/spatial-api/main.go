package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/auth"
	"github.com/MarcoPoloResearchLab/spatial/internal/chat"
	"github.com/MarcoPoloResearchLab/spatial/internal/config"
	"github.com/MarcoPoloResearchLab/spatial/internal/database"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/logging"
	"github.com/MarcoPoloResearchLab/spatial/internal/occupancy"
	"github.com/MarcoPoloResearchLab/spatial/internal/raid"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/MarcoPoloResearchLab/spatial/internal/relics"
	"github.com/MarcoPoloResearchLab/spatial/internal/server"
	"github.com/MarcoPoloResearchLab/spatial/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spatial-api",
		Short: "Spatial skill map backend service",
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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("guest-token-ttl-minutes", defaults.GetInt("auth.guest_token_ttl_minutes"), "Guest session TTL in minutes")
	cmd.PersistentFlags().Int("raid-threshold", defaults.GetInt("raid.threshold"), "Occupants needed to start a raid")
	cmd.PersistentFlags().String("nats-url", "", "NATS URL for cross-instance change relay")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.guest_token_ttl_minutes", "guest-token-ttl-minutes")
	bindFlag(cmd, "raid.threshold", "raid-threshold")
	bindFlag(cmd, "nats.url", "nats-url")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: appConfig.RealtimeBuffer,
		Logger:     logger,
	})
	var notifier realtime.Notifier = hub
	if appConfig.NATSURL != "" {
		bridge, err := realtime.NewNATSBridge(realtime.NATSBridgeConfig{
			URL:     appConfig.NATSURL,
			Subject: appConfig.NATSSubject,
			Logger:  logger,
		}, hub)
		if err != nil {
			return err
		}
		defer bridge.Close() //nolint:errcheck
		notifier = bridge
	}

	idProvider := ids.NewUUIDProvider()

	profiles, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Notifier:   notifier,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tracker, err := occupancy.NewTracker(occupancy.TrackerConfig{
		Database:   db,
		Notifier:   notifier,
		Subscriber: hub,
		Profiles:   profiles,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	raids, err := raid.NewStore(raid.StoreConfig{
		Database:   db,
		Notifier:   notifier,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:     db,
		Notifier:     notifier,
		IDProvider:   idProvider,
		Clock:        time.Now,
		HistoryLimit: appConfig.ChatHistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	relicService, err := relics.NewService(relics.ServiceConfig{
		Database:   db,
		Notifier:   notifier,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.GuestTokenTTL,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessionValidator,
		Tokens:     tokenIssuer,
		Realtime:   hub,
		Profiles:   profiles,
		Occupancy:  tracker,
		Raids:      raids,
		Chat:       chatService,
		Relics:     relicService,
		IDProvider: idProvider,
		Settings: server.Settings{
			PresenceChannel:  appConfig.PresenceChannel,
			CursorInterval:   appConfig.CursorThrottle,
			PresenceStale:    appConfig.PresenceStale,
			RaidThreshold:    appConfig.RaidThreshold,
			RaidRewardXP:     appConfig.RaidRewardXP,
			ChatHistoryLimit: appConfig.ChatHistoryLimit,
		},
		Logger: logger,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
