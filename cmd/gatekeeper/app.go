package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/DukeRupert/gatekeeper/internal"
	"github.com/DukeRupert/gatekeeper/internal/ai"
	"github.com/DukeRupert/gatekeeper/internal/ai/anthropic"
	aimock "github.com/DukeRupert/gatekeeper/internal/ai/mock"
	"github.com/DukeRupert/gatekeeper/internal/aws"
	"github.com/DukeRupert/gatekeeper/internal/billing"
	billingmock "github.com/DukeRupert/gatekeeper/internal/billing/mock"
	"github.com/DukeRupert/gatekeeper/internal/delivery"
	deliverymock "github.com/DukeRupert/gatekeeper/internal/delivery/mock"
	"github.com/DukeRupert/gatekeeper/internal/email"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
	"github.com/DukeRupert/gatekeeper/internal/report"
	"github.com/DukeRupert/gatekeeper/internal/storage"
	"github.com/DukeRupert/gatekeeper/internal/store"
	"github.com/DukeRupert/gatekeeper/internal/store/dynamo"
	"github.com/DukeRupert/gatekeeper/internal/store/memory"
	"github.com/DukeRupert/gatekeeper/internal/store/postgres"
)

// app holds what every subcommand needs: configuration, a logger and the
// lazily opened backends.
type app struct {
	cfg     *internal.Config
	logger  *slog.Logger
	db      *sql.DB
	aws     *aws.Clients
	redis   *redis.Client
	closers []func() error
}

func newApp() (*app, error) {
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel),
	}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func (a *app) postgres(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sql.Open("pgx", a.cfg.DatabaseUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) awsClients(ctx context.Context) (*aws.Clients, error) {
	if a.aws != nil {
		return a.aws, nil
	}
	clients, err := aws.NewClients(ctx, aws.Config{
		Region:          a.cfg.AWSRegion,
		Endpoint:        a.cfg.AWSEndpoint,
		AccessKeyID:     a.cfg.AWSAccessKeyID,
		SecretAccessKey: a.cfg.AWSSecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	a.aws = clients
	return clients, nil
}

// migrate brings the configured ledger schema up to date.
func (a *app) migrate(ctx context.Context, command string) error {
	switch a.cfg.StoreBackend {
	case store.BackendPostgres:
		db, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		if err := internal.RunMigrations(ctx, db, command); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case store.BackendDynamo:
		if command != internal.MigrateUp {
			return fmt.Errorf("dynamodb backend only supports %q", internal.MigrateUp)
		}
		clients, err := a.awsClients(ctx)
		if err != nil {
			return err
		}
		if err := dynamo.CreateTables(ctx, clients.DynamoDB, dynamo.DefaultTables(a.cfg.DynamoTablePrefix)); err != nil {
			return fmt.Errorf("create tables failed: %w", err)
		}
	default:
		a.logger.Info("memory store needs no migrations")
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.StoreBackend {
	case store.BackendPostgres:
		db, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.New(db), nil
	case store.BackendDynamo:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		return dynamo.New(clients.DynamoDB, dynamo.DefaultTables(a.cfg.DynamoTablePrefix)), nil
	default:
		a.logger.Warn("using in-memory ledger; entitlements are lost on restart")
		return memory.New(), nil
	}
}

// windowStore returns the rate limit backend. The memory store is returned
// separately so serve can run its sweeper.
func (a *app) windowStore(ctx context.Context) (ratelimit.WindowStore, *ratelimit.MemoryStore, error) {
	if a.cfg.RateLimitBackend != "redis" {
		mem := ratelimit.NewMemoryStore()
		return mem, mem, nil
	}
	if a.redis == nil {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so an unreachable redis is not fatal.
			a.logger.Warn("redis ping failed; rate limiter will run degraded", "error", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}
	return ratelimit.NewRedisStore(a.redis), nil, nil
}

func (a *app) submissionLimiter(ws ratelimit.WindowStore) *ratelimit.Limiter {
	return ratelimit.New(ws, ratelimit.Config{
		Limit:   a.cfg.RateLimitMax,
		Window:  a.cfg.RateLimitWindow,
		Timeout: a.cfg.RateLimitTimeout,
		Name:    "submission",
	}, a.logger)
}

func (a *app) paymentLimiter(ws ratelimit.WindowStore) *ratelimit.Limiter {
	return ratelimit.New(ws, ratelimit.Config{
		Limit:   a.cfg.PaymentRateLimit,
		Window:  a.cfg.PaymentRateWindow,
		Timeout: a.cfg.RateLimitTimeout,
		Name:    "payment",
	}, a.logger)
}

// payments returns the session verifier and, when a signing secret is
// configured, the webhook verifier.
func (a *app) payments() (billing.Verifier, billing.WebhookVerifier) {
	if a.cfg.PaymentProvider != "stripe" {
		a.logger.Warn("using mock payment verifier", "accepts", "cs_test_paid*")
		v := billingmock.NewVerifier()
		v.AcceptTestSessions = true
		return v, nil
	}
	svc := billing.NewStripeService(billing.StripeConfig{
		SecretKey:      a.cfg.StripeSecretKey,
		WebhookSecret:  a.cfg.StripeWebhookSecret,
		ExpectedAmount: a.cfg.PaymentAmount,
		Currency:       a.cfg.PaymentCurrency,
		MaxAge:         a.cfg.PaymentMaxAge,
	})
	if a.cfg.StripeWebhookSecret == "" {
		return svc, nil
	}
	return svc, svc
}

func (a *app) analyzer() (ai.Analyzer, error) {
	if a.cfg.AIProvider != "anthropic" {
		return aimock.New(a.logger), nil
	}
	provider, err := anthropic.New(anthropic.Config{
		APIKey: a.cfg.AnthropicAPIKey,
		Model:  a.cfg.AnthropicModel,
		ProviderConfig: ai.ProviderConfig{
			MaxRetries:     a.cfg.AIMaxRetries,
			RetryBaseDelay: a.cfg.AIRetryBaseDelay,
			RequestTimeout: a.cfg.AIRequestTimeout,
		},
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("ai provider initialization failed: %w", err)
	}
	return provider, nil
}

func (a *app) channel(ctx context.Context) (delivery.Channel, error) {
	switch a.cfg.DeliveryProvider {
	case delivery.ProviderSQS:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		return delivery.NewSQSChannel(aws.NewPublisher(clients.SQS, a.cfg.SQSQueueURL)), nil
	case delivery.ProviderMock:
		return deliverymock.NewChannel(), nil
	default:
		svc, err := email.NewSMTPEmailService(email.SMTPConfig{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
			FromName: a.cfg.SMTPFromName,
			ReplyTo:  a.cfg.SMTPReplyTo,
			Timeout:  a.cfg.DeliveryTimeout,
		}, report.NewPDFGenerator(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("email service initialization failed: %w", err)
		}
		return svc, nil
	}
}

// archive returns nil when STORAGE_PROVIDER is "none".
func (a *app) archive() (*storage.Archive, error) {
	var (
		s   storage.Storage
		err error
	)
	switch a.cfg.StorageProvider {
	case storage.ProviderR2:
		s, err = storage.NewR2Storage(storage.R2Config{
			AccountID:       a.cfg.R2AccountID,
			AccessKeyID:     a.cfg.R2AccessKeyID,
			SecretAccessKey: a.cfg.R2SecretAccessKey,
			BucketName:      a.cfg.R2BucketName,
			PublicURL:       a.cfg.R2PublicURL,
		}, a.logger)
	case storage.ProviderLocal:
		s, err = storage.NewLocalStorage(storage.LocalConfig{
			BasePath: a.cfg.LocalStoragePath,
			BaseURL:  a.cfg.LocalStorageURL,
		}, a.logger)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}
	return storage.NewArchive(s, a.logger), nil
}
