package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/discussions"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/server"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "classroom-api",
		Short: "Classroom discussions and notifications backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newMintTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Lifetime of minted session tokens")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("realtime.sweep_interval"), "Idle connection sweep period")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("realtime.idle_timeout"), "Inactivity before a connection is closed")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("realtime.allowed_origins"), "Allowed browser origins")
	cmd.PersistentFlags().Duration("purge-interval", defaults.GetDuration("notifications.purge_interval"), "Expired notification purge period")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "realtime.sweep_interval", "sweep-interval")
	bindFlag(cmd, "realtime.idle_timeout", "idle-timeout")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
	bindFlag(cmd, "notifications.purge_interval", "purge-interval")
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

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	realtimeLogger := logger.Named("realtime")
	rooms := realtime.NewRoomRegistry()
	connections, err := realtime.NewConnectionRegistry(realtime.ConnectionRegistryConfig{
		Rooms:    rooms,
		Verifier: validator,
		Logger:   realtimeLogger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := realtime.NewDispatcher(connections, rooms, realtimeLogger)
	if err != nil {
		return err
	}
	sweeper, err := realtime.NewLivenessSweeper(realtime.LivenessSweeperConfig{
		Connections: connections,
		Interval:    appConfig.Realtime.SweepInterval,
		IdleTimeout: appConfig.Realtime.IdleTimeout,
		Logger:      realtimeLogger,
	})
	if err != nil {
		return err
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notifications.NewUUIDProvider(),
		Publisher:  dispatcher,
		DefaultTTL: appConfig.Notifications.DefaultTTL,
		Logger:     logger.Named("notifications"),
	})
	if err != nil {
		return err
	}
	purger, err := notifications.NewPurger(notificationService, appConfig.Notifications.PurgeInterval, logger.Named("notifications"))
	if err != nil {
		return err
	}

	discussionService, err := discussions.NewService(discussions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notifications.NewUUIDProvider(),
		Notifier:   notificationService,
		Publisher:  dispatcher,
		Logger:     logger.Named("discussions"),
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("users"),
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Connections:    connections,
		Rooms:          rooms,
		UnreadCounter:  notificationService,
		Observer:       userService,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.Realtime.SendBuffer,
		Logger:         realtimeLogger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       validator,
		Discussions:    discussionService,
		Notifications:  notificationService,
		Users:          userService,
		Gateway:        gateway,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		return purger.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
