package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/veloraapp/payledger/internal/eventbus/natsbus"
	"github.com/veloraapp/payledger/internal/idempotency/memstore"
	"github.com/veloraapp/payledger/internal/idempotency/redisstore"
	"github.com/veloraapp/payledger/internal/metrics"
	"github.com/veloraapp/payledger/internal/provider/razorpayprovider"
	"github.com/veloraapp/payledger/internal/provider/simulated"
	"github.com/veloraapp/payledger/internal/provider/stripeprovider"
	"github.com/veloraapp/payledger/internal/store/gormstore"
	"github.com/veloraapp/payledger/internal/store/pgstore"
	"github.com/veloraapp/payledger/pkg/credits"
	"github.com/veloraapp/payledger/pkg/fraud"
	"github.com/veloraapp/payledger/pkg/idempotency"
	"github.com/veloraapp/payledger/pkg/ledger"
	"github.com/veloraapp/payledger/pkg/payment"
	"github.com/veloraapp/payledger/pkg/reconcile"
	"github.com/veloraapp/payledger/pkg/sweeper"
	"github.com/veloraapp/payledger/pkg/webhook"
)

const (
	flagDatabaseURL           = "database-url"
	flagListenAddr            = "listen-addr"
	flagRedisAddr             = "redis-addr"
	flagNATSURL               = "nats-url"
	flagStripeAPIKey          = "stripe-api-key"
	flagStripeWebhookSecret   = "stripe-webhook-secret"
	flagRazorpayKeyID         = "razorpay-key-id"
	flagRazorpayKeySecret     = "razorpay-key-secret"
	flagRazorpayWebhookSecret = "razorpay-webhook-secret"
	flagSimulatedSecret       = "simulated-secret"
	flagSweepInterval         = "sweep-interval"
	flagReconcileInterval     = "reconcile-interval"
	flagIntentWindow          = "intent-window"

	configKeyDatabaseURL           = "database_url"
	configKeyListenAddr            = "listen_addr"
	configKeyRedisAddr             = "redis_addr"
	configKeyNATSURL               = "nats_url"
	configKeyStripeAPIKey          = "stripe_api_key"
	configKeyStripeWebhookSecret   = "stripe_webhook_secret"
	configKeyRazorpayKeyID         = "razorpay_key_id"
	configKeyRazorpayKeySecret     = "razorpay_key_secret"
	configKeyRazorpayWebhookSecret = "razorpay_webhook_secret"
	configKeySimulatedSecret       = "simulated_secret"
	configKeySweepInterval         = "sweep_interval"
	configKeyReconcileInterval     = "reconcile_interval"
	configKeyIntentWindow          = "intent_window"

	defaultDatabaseURL     = "sqlite:///tmp/payledger.db"
	defaultListenAddr      = ":8080"
	defaultSimulatedSecret = "simulated-secret"
	defaultSweepInterval   = time.Minute
	defaultIntentWindow    = 30 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL           string
	ListenAddr            string
	RedisAddr             string
	NATSURL               string
	StripeAPIKey          string
	StripeWebhookSecret   string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	SimulatedSecret       string
	SweepInterval         time.Duration
	ReconcileInterval     time.Duration
	IntentWindow          time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "payledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "payledgerd",
		Short:         "Hash-chained credits ledger and payment fulfillment service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or sqlite path")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagRedisAddr, "", "Redis address for distributed idempotency (empty = in-process)")
	flags.String(flagNATSURL, "", "NATS URL for lifecycle notices (empty = disabled)")
	flags.String(flagStripeAPIKey, "", "Stripe API key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagRazorpayKeyID, "", "Razorpay key id")
	flags.String(flagRazorpayKeySecret, "", "Razorpay key secret")
	flags.String(flagRazorpayWebhookSecret, "", "Razorpay webhook secret")
	flags.String(flagSimulatedSecret, defaultSimulatedSecret, "Simulated provider webhook secret")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "Expiration sweeper interval")
	flags.Duration(flagReconcileInterval, 0, "Background reconciliation interval (0 = disabled)")
	flags.Duration(flagIntentWindow, defaultIntentWindow, "How long a payment intent may stay unresolved")

	cmd.AddCommand(
		newServeCommand(cfg),
		newSweepCommand(cfg),
		newReconcileCommand(cfg),
		newVerifyChainCommand(cfg),
		newStatementCommand(cfg),
		newExportCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:           flagDatabaseURL,
		configKeyListenAddr:            flagListenAddr,
		configKeyRedisAddr:             flagRedisAddr,
		configKeyNATSURL:               flagNATSURL,
		configKeyStripeAPIKey:          flagStripeAPIKey,
		configKeyStripeWebhookSecret:   flagStripeWebhookSecret,
		configKeyRazorpayKeyID:         flagRazorpayKeyID,
		configKeyRazorpayKeySecret:     flagRazorpayKeySecret,
		configKeyRazorpayWebhookSecret: flagRazorpayWebhookSecret,
		configKeySimulatedSecret:       flagSimulatedSecret,
		configKeySweepInterval:         flagSweepInterval,
		configKeyReconcileInterval:     flagReconcileInterval,
		configKeyIntentWindow:          flagIntentWindow,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey, strings.ToUpper(configKey)); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.NATSURL = viper.GetString(configKeyNATSURL)
	cfg.StripeAPIKey = viper.GetString(configKeyStripeAPIKey)
	cfg.StripeWebhookSecret = viper.GetString(configKeyStripeWebhookSecret)
	cfg.RazorpayKeyID = viper.GetString(configKeyRazorpayKeyID)
	cfg.RazorpayKeySecret = viper.GetString(configKeyRazorpayKeySecret)
	cfg.RazorpayWebhookSecret = viper.GetString(configKeyRazorpayWebhookSecret)
	cfg.SimulatedSecret = viper.GetString(configKeySimulatedSecret)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.IntentWindow = viper.GetDuration(configKeyIntentWindow)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.IntentWindow <= 0 {
		cfg.IntentWindow = defaultIntentWindow
	}
	return nil
}

// runtime holds everything a subcommand needs once wiring is done.
type runtime struct {
	logger     *zap.Logger
	journal    *ledger.Service
	credits    *credits.Service
	payments   *payment.Service
	intents    payment.Store
	processor  *webhook.Processor
	reconciler *reconcile.Service
	sweeper    *sweeper.Sweeper
	fraud      *fraud.Service
	metrics    *metrics.Metrics
	verifiers  map[payment.ProviderName]string
	bus        *natsbus.Publisher
	cleanup    []func()
}

func (rt *runtime) close() {
	for index := len(rt.cleanup) - 1; index >= 0; index-- {
		rt.cleanup[index]()
	}
}

func buildRuntime(ctx context.Context, cfg *runtimeConfig) (*runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	rt := &runtime{logger: logger, verifiers: make(map[payment.ProviderName]string)}
	rt.cleanup = append(rt.cleanup, func() { _ = logger.Sync() })

	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	var gormDB *gorm.DB
	switch driver {
	case "postgres":
		gormDB, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}
	rt.cleanup = append(rt.cleanup, func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	// The journal runs on pgx directly when PostgreSQL backs the service;
	// SQLite deployments share the gorm connection.
	var journalStore ledger.Store
	if driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		rt.cleanup = append(rt.cleanup, pool.Close)
		journalStore = pgstore.New(pool)
	} else {
		journalStore = gormstore.New(gormDB)
	}
	rt.intents = gormstore.NewIntentStore(gormDB)

	clock := func() int64 { return time.Now().UTC().Unix() }
	rt.journal, err = ledger.NewService(journalStore, clock,
		ledger.WithOperationLogger(newJournalLogger(logger)))
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	rt.credits, err = credits.NewService(rt.journal)
	if err != nil {
		return nil, fmt.Errorf("credits service init: %w", err)
	}

	var idemStore idempotency.Store
	var locker idempotency.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rt.cleanup = append(rt.cleanup, func() { _ = client.Close() })
		idemStore = redisstore.NewStore(client)
		locker = redisstore.NewLocker(client)
	} else {
		idemStore = memstore.NewStore()
		locker = memstore.NewLocker()
	}

	rt.metrics = metrics.New()

	paymentOptions := []payment.Option{
		payment.WithLogger(logger),
		payment.WithIntentWindow(cfg.IntentWindow),
		payment.WithProvider(simulated.New()),
	}
	if cfg.StripeAPIKey != "" {
		paymentOptions = append(paymentOptions, payment.WithProvider(stripeprovider.New(cfg.StripeAPIKey, logger)))
	}
	var razorpay *razorpayprovider.Provider
	if cfg.RazorpayKeyID != "" && cfg.RazorpayKeySecret != "" {
		razorpay = razorpayprovider.New(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, logger)
		paymentOptions = append(paymentOptions, payment.WithProvider(razorpay))
	}
	rt.payments, err = payment.NewService(rt.intents, rt.credits, idemStore, clock, paymentOptions...)
	if err != nil {
		return nil, fmt.Errorf("payment service init: %w", err)
	}

	processorOptions := []webhook.ProcessorOption{
		webhook.WithProcessorLogger(logger),
		webhook.WithOutcomeRecorder(rt.metrics),
		webhook.WithVerifier(simulated.NewVerifier(cfg.SimulatedSecret)),
	}
	rt.verifiers[payment.ProviderSimulated] = "X-Webhook-Signature"
	if cfg.StripeWebhookSecret != "" {
		processorOptions = append(processorOptions,
			webhook.WithVerifier(stripeprovider.NewVerifier(cfg.StripeWebhookSecret)))
		rt.verifiers[payment.ProviderStripe] = "Stripe-Signature"
	}
	if cfg.RazorpayWebhookSecret != "" {
		verifierOptions := []razorpayprovider.VerifierOption{
			razorpayprovider.WithVerifierLogger(logger),
		}
		if razorpay != nil {
			verifierOptions = append(verifierOptions,
				razorpayprovider.WithPaymentLookup(razorpay.PaymentLookup()))
		}
		processorOptions = append(processorOptions,
			webhook.WithVerifier(razorpayprovider.NewVerifier(cfg.RazorpayWebhookSecret, verifierOptions...)))
		rt.verifiers[payment.ProviderRazorpay] = "X-Razorpay-Signature"
	}
	if cfg.NATSURL != "" {
		bus, err := natsbus.Connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		rt.bus = bus
		rt.cleanup = append(rt.cleanup, bus.Close)
		processorOptions = append(processorOptions, webhook.WithPublisher(bus))
	}
	rt.processor, err = webhook.NewProcessor(rt.payments, idemStore, locker, clock, processorOptions...)
	if err != nil {
		return nil, fmt.Errorf("webhook processor init: %w", err)
	}

	rt.reconciler, err = reconcile.NewService(rt.journal, rt.intents, clock,
		reconcile.WithLogger(logger),
		reconcile.WithDiscrepancyRecorder(rt.metrics))
	if err != nil {
		return nil, fmt.Errorf("reconcile service init: %w", err)
	}
	rt.sweeper, err = sweeper.New(rt.payments, rt.intents, clock,
		sweeper.WithLogger(logger),
		sweeper.WithExpiredRecorder(rt.metrics))
	if err != nil {
		return nil, fmt.Errorf("sweeper init: %w", err)
	}
	rt.fraud, err = fraud.NewService(rt.intents, clock, fraud.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("fraud service init: %w", err)
	}
	return rt, nil
}

// journalLogger forwards ledger operation logs to zap.
type journalLogger struct {
	logger *zap.Logger
}

func newJournalLogger(logger *zap.Logger) *journalLogger {
	return &journalLogger{logger: logger}
}

func (journal *journalLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account", entry.Account.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("entry_type", entry.EntryType.String()),
		zap.String("reference_id", entry.ReferenceID),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		journal.logger.Error("ledger operation", fields...)
		return
	}
	journal.logger.Info("ledger operation", fields...)
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "payledger.db"
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
