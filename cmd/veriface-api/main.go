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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veridianlabs/veriface/internal/account"
	"github.com/veridianlabs/veriface/internal/auth"
	"github.com/veridianlabs/veriface/internal/capture"
	"github.com/veridianlabs/veriface/internal/config"
	"github.com/veridianlabs/veriface/internal/database"
	"github.com/veridianlabs/veriface/internal/enroll"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/logging"
	"github.com/veridianlabs/veriface/internal/login"
	"github.com/veridianlabs/veriface/internal/mail"
	"github.com/veridianlabs/veriface/internal/maintenance"
	"github.com/veridianlabs/veriface/internal/secrets"
	"github.com/veridianlabs/veriface/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile  string
	purgeYes bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veriface-api",
		Short: "VeriFace face-authentication service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every identity, audit row, and archived capture",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context())
		},
	}
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm the irreversible purge")
	rootCmd.AddCommand(purgeCmd)

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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "MySQL connection string")
	cmd.PersistentFlags().String("extractor-url", "", "Face embedding service URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("maintenance.sweep_interval_minutes"), "Expired-code sweep interval, 0 disables")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "face.extractor_url", "extractor-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "maintenance.sweep_interval_minutes", "sweep-interval-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A local .env feeds the VERIFACE_* environment before viper reads it.
	_ = godotenv.Load()

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

	matcher, err := face.NewMatcher(face.MatcherConfig{
		EmbeddingDim:       appConfig.EmbeddingDim,
		AuthThreshold:      appConfig.AuthThreshold,
		DuplicateThreshold: appConfig.DuplicateThreshold,
	})
	if err != nil {
		return err
	}

	store, err := identity.NewStore(identity.StoreConfig{
		Database: db,
		Matcher:  matcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	extractor, err := face.NewHTTPExtractor(face.HTTPExtractorConfig{
		ServiceURL:   appConfig.ExtractorURL,
		EmbeddingDim: appConfig.EmbeddingDim,
		Timeout:      appConfig.ExtractorTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	captures, err := newCaptureStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	mailer, err := mail.NewSMTPSender(mail.SMTPSenderConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		From:     appConfig.SMTPFrom,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "veriface-auth",
		Audience:      "veriface-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	hasher := secrets.NewBcrypt()
	ids := identity.NewUUIDProvider()
	dispatcher := login.NewAttemptDispatcher()

	enrollment, err := enroll.NewService(enroll.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Captures:   captures,
		Secrets:    hasher,
		Mailer:     mailer,
		IDProvider: ids,
		OTPLength:  appConfig.OTPLength,
		OTPTTL:     appConfig.OTPTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	loginService, err := login.NewService(login.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Sessions:   tokenIssuer,
		Mailer:     mailer,
		Dispatcher: dispatcher,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	accountService, err := account.NewService(account.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Captures:   captures,
		Secrets:    hasher,
		Mailer:     mailer,
		CodeLength: appConfig.OTPLength,
		CodeTTL:    appConfig.OTPTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if appConfig.SweepInterval > 0 {
		sweeper, err := maintenance.NewSweeper(maintenance.SweeperConfig{
			Store:    store,
			Interval: appConfig.SweepInterval,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Enrollment: enrollment,
		Login:      loginService,
		Account:    accountService,
		Sessions:   tokenIssuer,
		Dispatcher: dispatcher,
		Logger:     logger,
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

// runPurge wipes the identity database and the archived captures it
// references. The flag gate keeps a mistyped command from destroying data.
func runPurge(ctx context.Context) error {
	if !purgeYes {
		return errors.New("purge is irreversible; re-run with --yes to confirm")
	}

	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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
	defer closeDatabase(db)

	matcher, err := face.NewMatcher(face.MatcherConfig{
		EmbeddingDim:       appConfig.EmbeddingDim,
		AuthThreshold:      appConfig.AuthThreshold,
		DuplicateThreshold: appConfig.DuplicateThreshold,
	})
	if err != nil {
		return err
	}
	store, err := identity.NewStore(identity.StoreConfig{
		Database: db,
		Matcher:  matcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	captures, err := newCaptureStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	refs, err := store.ListCaptureRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := captures.Delete(ctx, ref); err != nil {
			logger.Warn("capture removal failed", zap.String("key", ref), zap.Error(err))
		}
	}

	removed, err := store.PurgeAll(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("purged %d identities and %d archived captures\n", removed, len(refs))
	return nil
}

func newCaptureStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (capture.Store, error) {
	switch appConfig.CaptureDriver {
	case "s3":
		return capture.NewS3Store(ctx, capture.S3StoreConfig{
			Bucket:    appConfig.CaptureS3Bucket,
			Region:    appConfig.CaptureS3Region,
			Endpoint:  appConfig.CaptureS3Endpoint,
			AccessKey: appConfig.CaptureS3AccessKey,
			SecretKey: appConfig.CaptureS3SecretKey,
			Logger:    logger,
		})
	default:
		return capture.NewFSStore(capture.FSStoreConfig{
			BaseDir: appConfig.CaptureUploadDir,
			Logger:  logger,
		})
	}
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
