package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pelajarin/billing/internal/httpserver"
	"github.com/pelajarin/billing/internal/provider/midtrans"
	"github.com/pelajarin/billing/internal/provider/xendit"
	"github.com/pelajarin/billing/internal/store/gormstore"
	"github.com/pelajarin/billing/pkg/billing"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagMidtransServerKey   = "midtrans-server-key"
	flagMidtransBaseURL     = "midtrans-base-url"
	flagXenditAPIKey        = "xendit-api-key"
	flagXenditCallbackToken = "xendit-callback-token"

	configKeyDatabaseURL         = "database_url"
	configKeyListenAddr          = "listen_addr"
	configKeyAllowedOrigins      = "allowed_origins"
	configKeyJWTSigningKey       = "jwt_signing_key"
	configKeyMidtransServerKey   = "midtrans_server_key"
	configKeyMidtransBaseURL     = "midtrans_base_url"
	configKeyXenditAPIKey        = "xendit_api_key"
	configKeyXenditCallbackToken = "xendit_callback_token"

	defaultDatabaseURL = "sqlite:///tmp/billing.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	AllowedOrigins      []string
	JWTSigningKey       string
	MidtransServerKey   string
	MidtransBaseURL     string
	XenditAPIKey        string
	XenditCallbackToken string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit ledger and payment reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().StringSlice(flagAllowedOrigins, []string{"http://localhost:3000"}, "CORS allowed origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key validating session tokens")
	cmd.Flags().String(flagMidtransServerKey, "", "Midtrans server key")
	cmd.Flags().String(flagMidtransBaseURL, midtrans.SandboxBaseURL, "Midtrans API base URL")
	cmd.Flags().String(flagXenditAPIKey, "", "Xendit API key")
	cmd.Flags().String(flagXenditCallbackToken, "", "Xendit webhook callback token")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:         "DATABASE_URL",
		configKeyListenAddr:          "LISTEN_ADDR",
		configKeyAllowedOrigins:      "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:       "JWT_SIGNING_KEY",
		configKeyMidtransServerKey:   "MIDTRANS_SERVER_KEY",
		configKeyMidtransBaseURL:     "MIDTRANS_BASE_URL",
		configKeyXenditAPIKey:        "XENDIT_API_KEY",
		configKeyXenditCallbackToken: "XENDIT_CALLBACK_TOKEN",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyListenAddr:          flagListenAddr,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeyJWTSigningKey:       flagJWTSigningKey,
		configKeyMidtransServerKey:   flagMidtransServerKey,
		configKeyMidtransBaseURL:     flagMidtransBaseURL,
		configKeyXenditAPIKey:        flagXenditAPIKey,
		configKeyXenditCallbackToken: flagXenditCallbackToken,
	}
	for key, flagName := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.MidtransServerKey = viper.GetString(configKeyMidtransServerKey)
	cfg.MidtransBaseURL = viper.GetString(configKeyMidtransBaseURL)
	cfg.XenditAPIKey = viper.GetString(configKeyXenditAPIKey)
	cfg.XenditCallbackToken = viper.GetString(configKeyXenditCallbackToken)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormDB.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() time.Time { return time.Now().UTC() }
	operationLogger := httpserver.NewOperationLogger(logger)

	ledger, err := billing.NewLedger(store, clock, billing.WithLedgerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	purchaseOptions := []billing.PurchaseOption{billing.WithPurchaseLogger(operationLogger)}
	if cfg.MidtransServerKey != "" {
		midtransClient, err := midtrans.NewClient(midtrans.Config{
			ServerKey: cfg.MidtransServerKey,
			BaseURL:   cfg.MidtransBaseURL,
		})
		if err != nil {
			return fmt.Errorf("midtrans client init: %w", err)
		}
		purchaseOptions = append(purchaseOptions, billing.WithInvoiceCreator(billing.MethodMidtrans, midtransClient))
	}
	if cfg.XenditAPIKey != "" {
		xenditClient, err := xendit.NewClient(xendit.Config{APIKey: cfg.XenditAPIKey})
		if err != nil {
			return fmt.Errorf("xendit client init: %w", err)
		}
		purchaseOptions = append(purchaseOptions, billing.WithInvoiceCreator(billing.MethodXenditInvoice, xenditClient))
	}

	purchases, err := billing.NewPurchaseService(store, ledger, clock, purchaseOptions...)
	if err != nil {
		return fmt.Errorf("purchase service init: %w", err)
	}

	reconciler, err := billing.NewReconciler(store, purchases, ledger, clock, billing.WithReconcilerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	server := httpserver.New(httpserver.Config{
		ListenAddr:          cfg.ListenAddr,
		AllowedOrigins:      cfg.AllowedOrigins,
		JWTSigningKey:       cfg.JWTSigningKey,
		MidtransServerKey:   cfg.MidtransServerKey,
		XenditCallbackToken: cfg.XenditCallbackToken,
	}, logger, ledger, purchases, reconciler)

	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
