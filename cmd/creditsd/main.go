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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/studiorooms/credits/internal/creditapi"
	"github.com/studiorooms/credits/internal/metrics"
	"github.com/studiorooms/credits/internal/oplog"
	"github.com/studiorooms/credits/internal/reconciler"
	"github.com/studiorooms/credits/internal/store/gormstore"
	"github.com/studiorooms/credits/internal/store/pgstore"
	"github.com/studiorooms/credits/pkg/credits"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagWebhookSecret     = "webhook-secret"
	flagReconcileInterval = "reconcile-interval"
	flagReconcilePageSize = "reconcile-page-size"
	flagPackagesFile      = "file"

	configKeyDatabaseURL       = "database_url"
	configKeyStoreBackend      = "store"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyReconcilePageSize = "reconcile_page_size"

	defaultDatabaseURL       = "sqlite:///tmp/credits.db"
	defaultListenAddr        = ":9090"
	defaultReconcileInterval = 10 * time.Minute
	defaultReconcilePageSize = 100

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreBackend      string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	WebhookSecret     string
	ReconcileInterval time.Duration
	ReconcilePageSize int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Studio credit ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.PersistentFlags().String(flagStoreBackend, storeBackendGorm, "storage backend: gorm or pgx (pgx requires a postgres URL)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for marketplace webhooks")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileInterval, "reconciliation sweep interval (0 disables)")
	cmd.Flags().Int(flagReconcilePageSize, defaultReconcilePageSize, "accounts per reconciliation page")

	cmd.AddCommand(newSeedPackagesCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyStoreBackend:      "STORE_BACKEND",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE",
		configKeyWebhookSecret:     "WEBHOOK_SECRET",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeyReconcilePageSize: "RECONCILE_PAGE_SIZE",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyStoreBackend:      flagStoreBackend,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionCookie:     flagSessionCookie,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyReconcileInterval: flagReconcileInterval,
		configKeyReconcilePageSize: flagReconcilePageSize,
	}
	for key, flagName := range flagsByKey {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(flagName)
		}
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.ReconcilePageSize = viper.GetInt(configKeyReconcilePageSize)

	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == storeBackendPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("pgx backend requires a postgres:// database url")
	}
	return nil
}

// ledgerStore is the storage contract the server needs, satisfied by both
// the gorm store and the raw pgx store.
type ledgerStore interface {
	credits.Catalog
	credits.AccountStore
	credits.Ledger
	UpsertPackage(ctx context.Context, creditPackage credits.CreditPackage) error
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	operationLogger := oplog.Tee(oplog.NewZapLogger(logger), recorder)

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, store, store, clock, credits.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	sweeper := reconciler.New(service, logger, recorder, reconciler.Config{
		Interval: cfg.ReconcileInterval,
		PageSize: cfg.ReconcilePageSize,
	})
	go sweeper.Run(ctx)

	apiConfig := creditapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    creditapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		WebhookSecret:     cfg.WebhookSecret,
	}
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return creditapi.Run(ctx, apiConfig, service, logger, metricsHandler)
}

func newSeedPackagesCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "seed-packages",
		Short:         "Load the credit package catalog from a YAML file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			packagesFile, err := cmd.Flags().GetString(flagPackagesFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return seedPackages(ctx, cfg, packagesFile)
		},
	}
	cmd.Flags().String(flagPackagesFile, "packages.yaml", "YAML file holding the package catalog")
	return cmd
}

type seedPackage struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Credits         int64  `mapstructure:"credits"`
	PriceCents      int64  `mapstructure:"price_cents"`
	DiscountPercent int64  `mapstructure:"discount_percent"`
	Active          bool   `mapstructure:"active"`
}

func seedPackages(ctx context.Context, cfg *runtimeConfig, packagesFile string) error {
	catalogViper := viper.New()
	catalogViper.SetConfigFile(packagesFile)
	if err := catalogViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read packages file: %w", err)
	}
	var seeds []seedPackage
	if err := catalogViper.UnmarshalKey("packages", &seeds); err != nil {
		return fmt.Errorf("parse packages file: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("packages file %q lists no packages", packagesFile)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	for _, seed := range seeds {
		if seed.ID == "" || seed.Name == "" || seed.Credits <= 0 || seed.PriceCents < 0 {
			return fmt.Errorf("package %q: id, name, positive credits and non-negative price_cents are required", seed.ID)
		}
		if err := store.UpsertPackage(ctx, credits.CreditPackage{
			PackageID:       seed.ID,
			Name:            seed.Name,
			Credits:         seed.Credits,
			PriceCents:      seed.PriceCents,
			DiscountPercent: seed.DiscountPercent,
			Active:          seed.Active,
		}); err != nil {
			return fmt.Errorf("upsert package %q: %w", seed.ID, err)
		}
		fmt.Fprintf(os.Stdout, "seeded package %s (%d credits)\n", seed.ID, seed.Credits)
	}
	return nil
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledgerStore, func() error, error) {
	if cfg.StoreBackend == storeBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	// Postgres schemas are managed out of band; sqlite gets automigrated
	// for local runs.
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
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
			path = "credits.db"
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
