/**
 * @description
 * This is the main entry point for the Blink backend. It is responsible for
 * initializing all components of the service, including configuration, logging, the
 * settlement store, chain and custody clients, message brokers, the x402 paywall and
 * the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the settlement audit trail.
 * - github.com/redis/go-redis/v9: Admin rate limiting.
 * - github.com/joho/godotenv: Optional .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/chain, pkg/custody, pkg/facilitator, pkg/rabbitmq: External integrations.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/api"
	"github.com/danielabrahamx/blink/internal/app"
	"github.com/danielabrahamx/blink/internal/config"
	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/logging"
	"github.com/danielabrahamx/blink/internal/paywall"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/chain"
	"github.com/danielabrahamx/blink/pkg/custody"
	"github.com/danielabrahamx/blink/pkg/facilitator"
	rmrabbit "github.com/danielabrahamx/blink/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "blink-backend"})
	if err != nil {
		log.Fatal().Err(err).Str("component", "bootstrap").Msg("config load failed")
	}
	log.Info().Str("component", "bootstrap").Str("port", cfg.ServerPort).Str("network", cfg.Network).Msg("starting blink backend")

	ctx := context.Background()

	// Settlement audit trail: PostgreSQL when configured, process memory otherwise.
	var repository store.Repository = store.NewMemoryRepository()
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		dbpool, err := connectDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Str("component", "bootstrap").Msg("database connection failed")
		}
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Str("component", "bootstrap").Msg("settlement schema migration failed")
		}
		repository = pgRepo
		log.Info().Str("component", "bootstrap").Msg("database connected")
	} else {
		log.Warn().Str("component", "bootstrap").Msg("DATABASE_URL not set; settlement audit trail kept in memory")
	}

	// Chain reads for pool totals and ERC-20 balances.
	var reader app.ContractReader
	chainClient, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		log.Warn().Err(err).Str("component", "bootstrap").Str("rpc_url", cfg.RPCURL).Msg("rpc unavailable; status reports ledger totals")
	} else {
		reader = chainClient
	}

	// Custodial wallet for settlements and the seller's balances.
	var executor app.CustodyExecutor = custodyUnavailable{}
	var walletBalances app.WalletBalanceLister
	custodyClient, err := custody.NewClient(cfg.CustodyAPIBaseURL, cfg.CustodyAPIKey, cfg.CustodyEntitySecret, cfg.CustodyWalletID, cfg.CustodyFeeLevel)
	if err != nil {
		log.Warn().Err(err).Str("component", "bootstrap").Msg("custody client not configured; admin settlements disabled")
	} else {
		executor = custodyClient
		walletBalances = custodyClient
	}

	// Event publishing with a no-op fallback when RabbitMQ is unavailable.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
			log.Warn().Err(err).Str("component", "bootstrap").Msg("rabbitmq producer unavailable; using fallback")
		} else {
			defer producer.Close()
			publisher = producer
			log.Info().Str("component", "bootstrap").Msg("rabbitmq producer connected")
		}
	}

	ledger := app.NewLedger()
	statusConsumer := app.NewSettlementStatusConsumer(repository, publisher)

	// Custody notifications travel webhook -> RabbitMQ -> consumer. Without a
	// consumer the webhook must apply them inline, so publishing falls back too.
	if _, ok := publisher.(*rmrabbit.EventProducerFallback); !ok {
		if rabbitConsumer, err := startCustodyConsumer(ctx, cfg, statusConsumer); err != nil {
			log.Warn().Err(err).Str("component", "bootstrap").Msg("custody event consumer unavailable; webhook applies updates inline")
			publisher = inlineCustodyPublisher{Publisher: publisher}
		} else {
			defer rabbitConsumer.Close()
		}
	}

	settlements := app.NewSettlementService(executor, ledger, repository, publisher, app.SettlementContracts{
		Pool: cfg.PoolAddress,
		USDC: cfg.USDCAddress,
		USYC: cfg.USYCAddress,
	}, app.ConfirmationPolicy{
		Timeout:        cfg.ConfirmTimeout(),
		InitialBackoff: cfg.ConfirmInitialBackoff(),
		MaxAttempts:    cfg.SettlementConfirmMaxAttempts,
	})

	if custodyClient != nil {
		reconciler := app.NewSettlementReconciler(repository, custodyClient, statusConsumer)
		scheduler, err := reconciler.Start(cfg.SettlementReconcileSchedule)
		if err != nil {
			log.Warn().Err(err).Str("component", "bootstrap").Msg("settlement reconciler disabled")
		} else {
			defer scheduler.Stop()
		}
	}

	webhooks := webhookVerifier(cfg, custodyClient)

	var limiter api.AdminLimiter
	if redisClient := connectRedis(ctx, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewAdminRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	pw := paywall.New(facilitator.NewClient(cfg.FacilitatorURL, ""), paywall.Config{
		Network:       cfg.Network,
		Asset:         cfg.USDCAddress,
		PayTo:         cfg.SellerAddress,
		GatewayWallet: cfg.GatewayWalletAddress,
	})

	handlers := api.NewHandlers(api.Dependencies{
		Coverage: app.NewCoverageService(ledger, publisher),
		Status: app.NewStatusService(app.StatusConfig{
			SellerAddress: cfg.SellerAddress,
			Network:       cfg.Network,
			Pool:          cfg.PoolAddress,
			USDC:          cfg.USDCAddress,
			USYC:          cfg.USYCAddress,
		}, ledger, reader, walletBalances),
		Settlements: settlements,
		Consumer:    statusConsumer,
		Repo:        repository,
		Events:      publisher,
		Webhooks:    webhooks,
	})

	router := api.Routes(handlers, api.RouterConfig{
		Paywall:                 pw,
		AllowedOrigins:          cfg.AllowedOrigins(),
		AdminJWTSecret:          cfg.AdminJWTSecret,
		AdminLimiter:            limiter,
		AdminRateLimitPerMinute: cfg.AdminRateLimitPerMinute,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("component", "http").Str("addr", serverAddr).Str("seller", cfg.SellerAddress).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("component", "http").Msg("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Str("component", "http").Msg("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("component", "http").Msg("shutdown failed")
	}

	log.Info().Str("component", "http").Msg("shutdown complete")
}

func connectDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Warn().Str("component", "bootstrap").Msg("REDIS_URL not set; admin rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Str("component", "bootstrap").Msg("redis url parse failed; admin rate limiting disabled")
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("component", "bootstrap").Msg("redis ping failed; admin rate limiting disabled")
		client.Close()
		return nil
	}
	log.Info().Str("component", "bootstrap").Msg("redis connected")
	return client
}

// custodyPrefetch bounds unacknowledged custody updates held by this replica.
const custodyPrefetch = 10

func startCustodyConsumer(ctx context.Context, cfg config.Config, handler *app.SettlementStatusConsumer) (*rmrabbit.Consumer, error) {
	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}
	if err := consumer.Consume(ctx, cfg.CustodyEventQueue, custodyPrefetch, handler.Binding()); err != nil {
		consumer.Close()
		return nil, err
	}
	log.Info().Str("component", "bootstrap").Str("queue", cfg.CustodyEventQueue).Msg("custody event consumer started")
	return consumer, nil
}

func webhookVerifier(cfg config.Config, custodyClient *custody.Client) api.WebhookVerifier {
	if !cfg.CustodyWebhookVerifySignature {
		log.Warn().Str("component", "bootstrap").Msg("CUSTODY_WEBHOOK_VERIFY_SIGNATURE is disabled; custody webhooks are accepted unsigned")
		return unverifiedWebhooks{}
	}
	var keys custody.PublicKeySource
	if custodyClient != nil {
		keys = custodyClient
	}
	if keys == nil && cfg.CustodyWebhookSecret == "" {
		log.Warn().Str("component", "bootstrap").Msg("no custody client or CUSTODY_WEBHOOK_SECRET; custody webhooks will be rejected")
	}
	return custody.NewWebhookVerifier(keys, cfg.CustodyWebhookSecret)
}

// unverifiedWebhooks accepts every notification.
type unverifiedWebhooks struct{}

func (unverifiedWebhooks) Verify(context.Context, http.Header, []byte) error { return nil }

// custodyUnavailable stands in for the custody client when it is not configured.
type custodyUnavailable struct{}

func (custodyUnavailable) ExecuteContract(context.Context, custody.ContractExecution) (*custody.Transaction, error) {
	return nil, fmt.Errorf("%w: custody wallet not configured", domain.ErrUpstreamUnavailable)
}

func (custodyUnavailable) GetTransaction(context.Context, string) (*custody.Transaction, error) {
	return nil, fmt.Errorf("%w: custody wallet not configured", domain.ErrUpstreamUnavailable)
}

// inlineCustodyPublisher refuses custody events so the webhook applies them itself.
type inlineCustodyPublisher struct {
	rmrabbit.Publisher
}

func (inlineCustodyPublisher) PublishCustodyTransactionEvent(context.Context, domain.CustodyTransactionEvent) error {
	return rmrabbit.ErrUnavailable
}
