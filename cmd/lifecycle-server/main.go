package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/activitymap"
	"github.com/goliatone/go-lifecycle/adapters/redislimit"
	"github.com/goliatone/go-lifecycle/adapters/sqsmail"
	"github.com/goliatone/go-lifecycle/middleware/jwtware"
	"github.com/goliatone/go-lifecycle/provider/stripe"
	"github.com/goliatone/go-lifecycle/repository"
	"github.com/goliatone/go-logger/glog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("LIFECYCLE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := lifecycle.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := glog.Info
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "trace":
		level = glog.Trace
	case "debug":
		level = glog.Debug
	case "warn", "warning":
		level = glog.Warn
	case "error":
		level = glog.Error
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(level),
		glog.WithName("lifecycle"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lgr); err != nil {
		lgr.GetLogger("main").Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *lifecycle.Config, lgr *glog.BaseLogger) error {
	logger := lgr.GetLogger("main")

	db, err := repository.Open(ctx, repository.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Migrate:      cfg.Database.Migrate,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	audit := lgr.GetLogger("activity")
	activity := activitymap.Sink(func(ctx context.Context, record activitymap.Normalized) error {
		args := []any{
			"actor", record.ActorID,
			"channel", record.Channel,
			"object_type", record.ObjectType,
			"object_id", record.ObjectID,
			"transition", record.Transition,
			"metadata", record.Metadata,
		}
		if record.Severity == activitymap.SeverityWarn {
			audit.Warn(record.Verb, args...)
			return nil
		}
		audit.Info(record.Verb, args...)
		return nil
	})

	repo := lifecycle.NewRepositoryManager(db)
	ledger := lifecycle.NewEventLedger(db)
	vault := lifecycle.NewTokenVault(db, []byte(cfg.Tokens.HashKey),
		lifecycle.WithTokenVaultLogger(lgr.GetLogger("tokens")),
		lifecycle.WithTokenVaultRetryBackoff(cfg.Retry.Backoff),
	)

	storeLimiter := lifecycle.NewStoreRateLimiter(db, lifecycle.WithRateLimiterLogger(lgr.GetLogger("ratelimit")))
	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimits, storeLimiter)
	if err != nil {
		return err
	}
	defer closeLimiter()

	smOpts := []lifecycle.StateMachineOption{
		lifecycle.WithStateMachineLogger(lgr.GetLogger("subscriptions")),
		lifecycle.WithStateMachineActivitySink(activity),
		lifecycle.WithReconcileTimeout(cfg.Payments.ReconcileTimeout),
		lifecycle.WithStateMachineRetryBackoff(cfg.Retry.Backoff),
	}
	if cfg.Payments.StripeKey != "" {
		fetcher := stripe.NewFetcher(cfg.Payments.StripeKey)
		if cfg.Payments.StripeURL != "" {
			fetcher = stripe.NewFetcherWithBackend(cfg.Payments.StripeKey, stripe.NewBackend(cfg.Payments.StripeURL))
		}
		smOpts = append(smOpts, lifecycle.WithSubscriptionFetcher(fetcher))
	}
	stateMachine := lifecycle.NewSubscriptionStateMachine(repo, ledger, smOpts...)

	mailer, err := newMailer(ctx, cfg.Mail, lgr.GetLogger("mail"))
	if err != nil {
		return err
	}

	sessions := lifecycle.NewSessionTokens(
		[]byte(cfg.Sessions.SigningKey),
		cfg.Sessions.TTL,
		cfg.Sessions.Issuer,
		cfg.Sessions.Audience,
		lgr.GetLogger("sessions"),
	)

	orchestrator, err := lifecycle.NewOrchestrator(lifecycle.Dependencies{
		Repo:         repo,
		Vault:        vault,
		Limiter:      limiter,
		StateMachine: stateMachine,
		Mailer:       mailer,
		Hasher:       lifecycle.NewBcryptHasher(0),
		Sessions:     sessions,
		Verifier:     newVerifier(cfg.Webhooks),
		Activity:     activity,
		Logger:       lgr.GetLogger("orchestrator"),
	}, lifecycle.OrchestratorConfig{
		BaseURL:              cfg.HTTP.BaseURL,
		EmailVerificationTTL: cfg.Tokens.EmailVerificationTTL,
		PasswordResetTTL:     cfg.Tokens.PasswordResetTTL,
		Policies:             cfg.RateLimits.Policies(),
		RetryBackoff:         cfg.Retry.Backoff,
	})
	if err != nil {
		return err
	}

	signatureHeader := lifecycle.DefaultSignatureHeader
	if cfg.Webhooks.Provider == "stripe" {
		signatureHeader = lifecycle.StripeSignatureHeader
	}

	controller := lifecycle.NewLifecycleController(orchestrator,
		lifecycle.WithControllerLogger(lgr.GetLogger("http")),
		lifecycle.WithSignatureHeader(signatureHeader),
		lifecycle.WithMaxBodyBytes(cfg.Webhooks.MaxBodyBytes),
		lifecycle.WithSessionMiddleware(jwtware.New(jwtware.Config{
			TokenValidator:  sessions,
			ContextEnricher: lifecycle.WithSessionClaims,
		})),
	)

	app := fiber.New(fiber.Config{
		AppName:               "lifecycle",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		ProxyHeader:           fiber.HeaderXForwardedFor,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	lifecycle.RegisterLifecycleRoutes(app, controller)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "address", cfg.HTTP.Address)
		return app.Listen(cfg.HTTP.Address)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if cfg.Sweeper.Enabled {
		sweeper := &lifecycle.Sweeper{
			Tokens:          vault,
			Ledger:          ledger,
			Counters:        sweepableCounters(cfg.RateLimits, storeLimiter),
			TokenRetention:  cfg.Tokens.Retention,
			LedgerRetention: cfg.Webhooks.LedgerRetention,
			Interval:        cfg.Sweeper.Interval,
			Logger:          lgr.GetLogger("sweeper"),
		}
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}

	return g.Wait()
}

func newLimiter(ctx context.Context, cfg lifecycle.RateLimitsConfig, store *lifecycle.StoreRateLimiter) (lifecycle.RateLimiter, func(), error) {
	if cfg.Backend != "redis" {
		return store, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	closer := func() { _ = client.Close() }
	return redislimit.New(client, redislimit.WithPrefix(cfg.RedisPrefix)), closer, nil
}

// Redis expires its own keys, only the store backend needs sweeping.
func sweepableCounters(cfg lifecycle.RateLimitsConfig, store *lifecycle.StoreRateLimiter) lifecycle.Sweepable {
	if cfg.Backend == "redis" {
		return nil
	}
	return store
}

func newVerifier(cfg lifecycle.WebhooksConfig) lifecycle.WebhookVerifier {
	if cfg.Provider == "stripe" {
		return stripe.NewVerifier(cfg.Secret, cfg.Tolerance)
	}
	return lifecycle.NewHMACVerifier([]byte(cfg.Secret), lifecycle.WithSignatureTolerance(cfg.Tolerance))
}

func newMailer(ctx context.Context, cfg lifecycle.MailConfig, logger lifecycle.Logger) (lifecycle.Mailer, error) {
	if cfg.Transport == "sqs" {
		return sqsmail.NewFromEnv(ctx, cfg.QueueURL, cfg.Region)
	}
	// development transport, links end up in the log
	return lifecycle.MailerFunc(func(ctx context.Context, templateID, recipient string, vars map[string]any) error {
		logger.Info("transactional email", "template", templateID, "recipient", recipient, "vars", vars)
		return nil
	}), nil
}
