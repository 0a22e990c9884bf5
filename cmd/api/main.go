// EduMarket Checkout Service
//
// This is the main entry point for the checkout and affiliate attribution
// service. It wires up all dependencies and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/config"
	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/api"
	"github.com/edumarket/edumarket-checkout/internal/checkout"
	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/logger"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
	"github.com/edumarket/edumarket-checkout/internal/payment"
	"github.com/edumarket/edumarket-checkout/internal/platform/catalog"
	"github.com/edumarket/edumarket-checkout/internal/platform/kafka"
	"github.com/edumarket/edumarket-checkout/internal/platform/memory"
	"github.com/edumarket/edumarket-checkout/internal/platform/mercadopago"
	"github.com/edumarket/edumarket-checkout/internal/platform/postgres"
	"github.com/edumarket/edumarket-checkout/internal/platform/redis"
	"github.com/edumarket/edumarket-checkout/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration error")
	}
	log := logger.New(cfg.Log.Level, cfg.Env, cfg.Tracing.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("checkout service stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("port", cfg.Server.Port).Str("env", cfg.Env).Msg("starting checkout service")

	tp, err := tracing.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Env, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	metrics.Register(prometheus.DefaultRegisterer)
	checks := map[string]api.HealthCheck{}

	// Infrastructure Layer
	var store domain.Store
	if cfg.Database.URL != "" {
		db, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		if cfg.Database.RunMigrations {
			if err := postgres.RunMigrations(ctx, db); err != nil {
				return err
			}
		}
		store = postgres.NewStore(db)
		checks["postgres"] = func(ctx context.Context) error { return postgres.Ping(ctx, db) }
	} else {
		log.Warn().Msg("DATABASE_URL not set, purchases are kept in memory")
		store = memory.NewStore()
	}

	var cache domain.AttemptCache
	if cfg.Redis.URL != "" {
		client, err := redis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		attempts := redis.NewAttemptCache(client)
		cache = attempts
		checks["redis"] = attempts.Ping
	}

	var events domain.EventPublisher = kafka.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := kafka.NewPublisher(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close event writer")
			}
		}()
		events = publisher
	}

	var courses domain.CatalogLookup
	if cfg.Catalog.BaseURL != "" {
		courses = catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.APIKey, cfg.Catalog.Timeout)
	} else {
		log.Warn().Msg("CATALOG_API_URL not set, serving the demo catalog")
		courses = demoCatalog()
	}

	var (
		hosted   payment.HostedProvider
		webhooks *api.WebhookHandler
	)

	// Service Layer
	direct := payment.NewDirect(
		payment.NewSimulatedSettler(1),
		payment.ConfirmPolicy{Attempts: cfg.Checkout.PixConfirmAttempts, Delay: cfg.Checkout.PixConfirmDelay},
		time.Now,
	)
	var mp *mercadopago.Adapter
	if cfg.MercadoPago.AccessToken != "" {
		mp, err = mercadopago.NewAdapter(mercadopago.Options{
			AccessToken:     cfg.MercadoPago.AccessToken,
			CurrencyID:      cfg.MercadoPago.CurrencyID,
			ReturnURL:       cfg.MercadoPago.ReturnURL,
			NotificationURL: cfg.MercadoPago.NotificationURL,
			Sandbox:         cfg.MercadoPago.Sandbox,
		})
		if err != nil {
			return err
		}
		hosted = mp
	} else {
		log.Warn().Msg("MP_ACCESS_TOKEN not set, hosted sessions are simulated")
		hosted = payment.NewSimulatedHosted(cfg.Checkout.PublicBaseURL)
	}
	gateway := payment.NewGateway(direct, hosted, time.Now)

	affiliates := affiliate.NewService(store, courses, affiliate.Options{
		LinkBaseURL:        cfg.Affiliate.LinkBaseURL,
		DefaultRatePercent: decimal.NewFromFloat(cfg.Affiliate.DefaultRatePercent),
	})
	checkoutService := checkout.NewService(courses, store, gateway, affiliates, cache, events, checkout.Options{
		AttemptTTL: cfg.Checkout.AttemptTTL,
		CacheTTL:   cfg.Checkout.CacheTTL,
		SessionTTL: cfg.Checkout.SessionTTL,
		Commit: checkout.RetryPolicy{
			Attempts: cfg.Checkout.CommitAttempts,
			Delay:    cfg.Checkout.CommitDelay,
			MaxDelay: cfg.Checkout.CommitMaxDelay,
		},
	})
	if mp != nil {
		verifier := mercadopago.NewSignatureVerifier(cfg.MercadoPago.WebhookSecret, cfg.MercadoPago.WebhookTolerance, time.Now)
		webhooks = api.NewWebhookHandler(checkoutService, mp, verifier)
	}

	// API Layer
	handler := api.NewHandler(checkoutService, affiliates, webhooks, checks)
	router := api.SetupRouter(handler, api.RouterConfig{
		GinMode:        cfg.Server.GinMode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth: api.AuthConfig{
			JWTSecret:           cfg.Auth.JWTSecret,
			AllowHeaderIdentity: cfg.Auth.AllowHeaderIdentity,
		},
		Logger: log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// demoCatalog serves a couple of courses for local runs without the core API.
func demoCatalog() *memory.Catalog {
	return memory.NewCatalog(
		domain.CourseOffer{
			CourseID:      "demo-course",
			Title:         "Marketing Digital do Zero",
			Price:         decimal.RequireFromString("297.00"),
			SellerID:      "demo-seller",
			PublishStatus: domain.PublishStatusPublished,
		},
		domain.CourseOffer{
			CourseID:      "demo-draft",
			Title:         "Em breve",
			Price:         decimal.RequireFromString("97.00"),
			SellerID:      "demo-seller",
			PublishStatus: domain.PublishStatusDraft,
		},
	)
}
