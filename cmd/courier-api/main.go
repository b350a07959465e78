// README: Entry point; loads config, wires services, starts HTTP/websocket server and background sweepers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog/log"

	"courier/internal/config"
	"courier/internal/gateway"
	httptransport "courier/internal/http"
	"courier/internal/infra"
	"courier/internal/metrics"
	"courier/internal/modules/access"
	"courier/internal/modules/location"
	"courier/internal/modules/notify"
	"courier/internal/modules/order"
	"courier/internal/modules/payment"
)

const sweepEvery = 5 * time.Second

func main() {
	cfg, err := config.Load()
	infra.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres init")
	}
	defer dbPool.Close()

	var app *firebase.App
	if cfg.Firebase.ProjectID != "" {
		app, err = infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatal().Err(err).Msg("firebase init")
		}
	}

	authenticator, err := newAuthenticator(ctx, cfg, app)
	if err != nil {
		log.Fatal().Err(err).Msg("authenticator init")
	}

	var notifier order.Notifier = notify.Nop{}
	if app != nil {
		msg, err := infra.NewMessaging(ctx, app)
		if err != nil {
			log.Fatal().Err(err).Msg("fcm init")
		}
		notifier = notify.NewFCMNotifier(msg)
	} else {
		log.Warn().Msg("firebase not configured; push notifications disabled")
	}

	idem, runIdemSweeper := newIdempotency(ctx, cfg)

	accessStore := access.NewStore(dbPool)
	orderStore := order.NewStore(dbPool)
	authorizer := access.NewAuthorizer(accessStore, orderStore, cfg.DB.StoreTimeout)

	orderSvc := order.NewService(orderStore, authorizer,
		order.WithNotifier(notifier),
		order.WithStoreTimeout(cfg.DB.StoreTimeout),
	)
	locationSvc := location.NewService(cfg.Ingest, authorizer, nil)

	hub := gateway.NewHub(cfg.Gateway, authenticator, authorizer,
		gateway.WithIngester(locationSvc),
		gateway.WithOrderActions(orderSvc),
	)
	orderSvc.SetPublisher(hub)

	paymentStore := payment.NewStore(dbPool)
	finalizer := payment.NewFinalizer(cfg.Webhook.Secret, idem, paymentStore, orderSvc, cfg.DB.StoreTimeout)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Orders:      orderSvc,
		Viewer:      authorizer,
		Assigner:    accessStore,
		Webhook:     finalizer,
		Auth:        authenticator,
		Hub:         hub,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Production:  cfg.Production(),
	})

	go hub.RunSweeper(ctx, time.Second)
	go locationSvc.RunSweeper(ctx, sweepEvery)
	if runIdemSweeper != nil {
		go runIdemSweeper(ctx)
	}

	log.Info().Str("env", cfg.Env).Str("auth_mode", cfg.Auth.Mode).Msg("courier api starting")
	if err := httptransport.NewServer(cfg.HTTP.Addr, router).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
	log.Info().Msg("courier api stopped")
}

func newAuthenticator(ctx context.Context, cfg config.Config, app *firebase.App) (gateway.Authenticator, error) {
	if cfg.Auth.Mode != "firebase" {
		return gateway.NewJWTAuthenticator(cfg.Auth.JWTSecret), nil
	}
	if app == nil {
		log.Fatal().Msg("COURIER_FIREBASE_PROJECT_ID is required in firebase auth mode")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return nil, err
	}
	return gateway.NewFirebaseAuthenticator(verifier), nil
}

// newIdempotency prefers Redis so that several API replicas share one claim
// set; without it the claims live in process memory.
func newIdempotency(ctx context.Context, cfg config.Config) (payment.Idempotency, func(context.Context)) {
	if cfg.Redis.Addr != "" {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("redis init")
		}
		return payment.NewRedisIdempotency(client, cfg.Webhook.IdempotencyTTL, cfg.Webhook.ClaimLease), nil
	}
	log.Warn().Msg("redis not configured; webhook idempotency is per process")
	mem := payment.NewMemoryIdempotency(cfg.Webhook.IdempotencyTTL, cfg.Webhook.ClaimLease, nil)
	return mem, func(ctx context.Context) { mem.RunSweeper(ctx, time.Minute) }
}
