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

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/access"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/config"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/database"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/server"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleettraq-api",
		Short: "Fleet vehicle tracking backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newDeviceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			_, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			logger.Info("migrations applied", zap.String("driver", appConfig.DatabaseDriver))
			return nil
		},
	}
}

func newDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print the persisted device identifier of this host, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			id, created, err := device.FileStore{Path: appConfig.DeviceFile}.LoadOrCreate()
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "created device id at %s\n", appConfig.DeviceFile)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID; empty disables Google sign-in")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for sharing change notices between instances")
	cmd.PersistentFlags().String("access-policy", "", "Path to a YAML role policy")
	cmd.PersistentFlags().String("device-file", defaults.GetString("device.file"), "Path of the persisted device identifier")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.redis_url", "redis-url")
	bindFlag(cmd, "access.policy_file", "access-policy")
	bindFlag(cmd, "device.file", "device-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		_ = sqlDB.Close()
	}
	if err := database.Migrate(db, logger); err != nil {
		closeDB()
		return nil, nil, err
	}
	return db, closeDB, nil
}

func openBus(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (records.Bus, func(), error) {
	if appConfig.RealtimeRedisURL == "" {
		return records.NewLocalBus(), func() {}, nil
	}
	options, err := redis.ParseURL(appConfig.RealtimeRedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(options)
	bus, err := records.NewRedisBus(ctx, records.RedisBusConfig{Client: client, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return bus, func() {
		_ = bus.Close()
		_ = client.Close()
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	bus, closeBus, err := openBus(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	store, err := records.NewGormStore(records.StoreConfig{
		Database: db,
		Bus:      bus,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	identityConfig := identity.ServiceConfig{
		Database:          db,
		RecentLoginWindow: appConfig.RecentLoginWindow,
		Clock:             time.Now,
		Logger:            logger,
	}
	if appConfig.GoogleEnabled() {
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		identityConfig.GoogleVerifier = googleVerifier
	}
	identityService, err := identity.NewService(identityConfig)
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	policy := access.DefaultPolicy()
	if appConfig.AccessPolicyFile != "" {
		policy, err = access.LoadPolicy(appConfig.AccessPolicyFile)
		if err != nil {
			return err
		}
	}

	registry, err := clients.NewRegistry(clients.Config{
		Store:         store,
		Identity:      identityService,
		SampleTimeout: appConfig.SampleTimeout,
		SampleMaxAge:  appConfig.SampleMaxAge,
		IdleTTL:       appConfig.ClientIdleTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:       identityService,
		Tokens:         tokenIssuer,
		Sessions:       sessionValidator,
		Clients:        registry,
		Policy:         policy,
		CookieName:     appConfig.CookieName,
		AllowedOrigins: appConfig.CORSOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		registry.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("google_enabled", appConfig.GoogleEnabled()),
			zap.Bool("redis_bus", appConfig.RealtimeRedisURL != ""))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		registry.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
