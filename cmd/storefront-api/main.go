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

	"github.com/foresightpress/storefront/internal/auth"
	"github.com/foresightpress/storefront/internal/checkout"
	"github.com/foresightpress/storefront/internal/config"
	"github.com/foresightpress/storefront/internal/database"
	"github.com/foresightpress/storefront/internal/logging"
	"github.com/foresightpress/storefront/internal/newsletter"
	"github.com/foresightpress/storefront/internal/orders"
	"github.com/foresightpress/storefront/internal/server"
	"github.com/foresightpress/storefront/internal/visitors"
	"github.com/foresightpress/storefront/internal/webhook"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storefront-api",
		Short: "4SIGHT pre-order storefront backend service",
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
	cmd.PersistentFlags().String("base-url", defaults.GetString("http.base_url"), "Public site origin for checkout redirects")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("square-environment", defaults.GetString("square.environment"), "Square API environment (sandbox, production)")
	cmd.PersistentFlags().Int64("counter-start", defaults.GetInt64("orders.counter_start"), "Order counter seed value")
	cmd.PersistentFlags().Int("recency-window-seconds", defaults.GetInt("orders.recency_window_seconds"), "Recent order lookup window in seconds")
	cmd.PersistentFlags().String("session-secret", "", "Admin session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.base_url", "base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "square.environment", "square-environment")
	bindFlag(cmd, "orders.counter_start", "counter-start")
	bindFlag(cmd, "orders.recency_window_seconds", "recency-window-seconds")
	bindFlag(cmd, "session.signing_secret", "session-secret")
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

	allocator, err := orders.NewAllocator(orders.AllocatorConfig{
		Database:   db,
		StartValue: appConfig.OrderCounterStart,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ledger, err := orders.NewService(orders.ServiceConfig{
		Database:  db,
		Allocator: allocator,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	squareClient, err := checkout.NewSquareClient(checkout.SquareClientConfig{
		AccessToken: appConfig.SquareAccessToken,
		LocationID:  appConfig.SquareLocationID,
		Environment: appConfig.SquareEnvironment,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Links:     squareClient,
		Ledger:    ledger,
		Allocator: allocator,
		BaseURL:   appConfig.BaseURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	webhookProcessor, err := webhook.NewProcessor(webhook.ProcessorConfig{
		Secret:  appConfig.SquareWebhookSecret,
		Ledger:  ledger,
		Numbers: allocator,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if appConfig.SquareWebhookSecret == "" {
		logger.Warn("webhook signature verification disabled, no secret configured")
	}

	var mailer newsletter.Mailer
	if appConfig.ResendAPIKey != "" {
		resendMailer, err := newsletter.NewResendMailer(appConfig.ResendAPIKey, appConfig.EmailFrom, appConfig.EmailName)
		if err != nil {
			return err
		}
		mailer = resendMailer
	} else {
		logger.Warn("welcome emails disabled, no resend api key configured")
	}

	newsletterService, err := newsletter.NewService(newsletter.ServiceConfig{
		Database: db,
		Mailer:   mailer,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	visitorService, err := visitors.NewService(visitors.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
		Clock:         time.Now,
	})
	if err != nil {
		return err
	}

	credentials, err := auth.NewCredentialService(auth.CredentialServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if appConfig.AdminEmail != "" && appConfig.AdminPassword != "" {
		if err := credentials.EnsureAdmin(ctx, appConfig.AdminEmail, appConfig.AdminPassword); err != nil {
			return err
		}
	} else {
		logger.Warn("admin login disabled, no admin credentials configured")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Checkout:      checkoutService,
		Ledger:        ledger,
		Webhooks:      webhookProcessor,
		Newsletter:    newsletterService,
		Visitors:      visitorService,
		Sessions:      sessions,
		Credentials:   credentials,
		RecencyWindow: appConfig.RecencyWindow,
		SecureCookies: appConfig.SquareEnvironment == "production",
		Logger:        logger,
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
