package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/ticket-settlement/internal/bootstrap"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/events"
	httphandler "github.com/robertarktes/ticket-settlement/internal/http"
	"github.com/robertarktes/ticket-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/orders"
	"github.com/robertarktes/ticket-settlement/internal/payment"
	"github.com/robertarktes/ticket-settlement/internal/rateLimit"
	redisadapter "github.com/robertarktes/ticket-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-settlement/internal/scan"
	"github.com/robertarktes/ticket-settlement/internal/signature"
	"github.com/robertarktes/ticket-settlement/internal/tickets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "ticket-settlement-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()

	ctx := context.Background()
	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer rt.Close()

	sig, err := signature.New(cfg.SignatureSecret)
	if err != nil {
		log.Fatalf("failed to create signature authority: %v", err)
	}
	resolver, err := custodial.NewResolver(cfg.CustodialSecret)
	if err != nil {
		log.Fatalf("failed to create custodial resolver: %v", err)
	}
	ledgerClient, err := bootstrap.Ledger(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to ledger: %v", err)
	}
	defer ledgerClient.Close()

	engine := bootstrap.Engine(cfg, rt, ledgerClient, resolver, logger)
	processor := payment.NewMidtransClient(cfg.MidtransBaseURL, cfg.MidtransServerKey, &http.Client{Timeout: cfg.ExternalCallTimeout})

	deps := orders.Deps{
		Store:     rt.Store,
		Processor: processor,
		Issuer:    tickets.NewIssuer(sig, nil),
		Settler:   engine,
		Ledger:    ledgerClient,
		Resolver:  resolver,
		Audit:     rt.Audit,
		Logger:    logger,
	}
	routerCfg := httphandler.RouterConfig{
		Limits: httphandler.RateLimits{
			PerPrincipal: cfg.RateLimitPerUser,
			PerIP:        cfg.RateLimitPerIP,
			Period:       cfg.RateLimitPeriod,
		},
	}
	if rt.Redis != nil {
		deps.Locker = rt.Redis
		routerCfg.Limiter = rateLimit.NewRateLimiter(rt.Redis, logger)
		routerCfg.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(rt.Redis.Client()), cfg.IdempotencyTTL)
	} else {
		routerCfg.Limiter = rateLimit.NewLocalLimiter()
		routerCfg.Idempotency = idempotency.NewIdempotency(idempotency.NewMemoryBackend(), cfg.IdempotencyTTL)
	}
	if cfg.JWTPublicKey != "" {
		if routerCfg.JWTKey, err = httphandler.ParsePublicKey(cfg.JWTPublicKey); err != nil {
			log.Fatalf("failed to parse jwt key: %v", err)
		}
	} else {
		logger.Warn("JWT_PUBLIC_KEY not set, authenticated routes are unreachable")
	}

	orderSvc := orders.NewService(deps, orders.Config{
		Fees:                  bootstrap.Fees(cfg),
		ResalePriceCapPercent: cfg.ResalePriceCapPercent,
		ResaleMinLead:         cfg.ResaleMinLead,
		CallTimeout:           cfg.ExternalCallTimeout,
		LockTTL:               cfg.WebhookLockTTL,
	})

	ready := map[string]httphandler.Pinger{}
	for name, p := range rt.Ready {
		ready[name] = p
	}
	handlers := httphandler.NewHandlers(httphandler.Deps{
		Orders:     orderSvc,
		Events:     events.NewService(rt.Store, ledgerClient, resolver, rt.Audit, logger, cfg.ExternalCallTimeout),
		Scan:       scan.NewService(rt.Store, sig, rt.Audit, logger),
		Settlement: engine,
		Ready:      ready,
		Logger:     logger,
	})

	r := httphandler.SetupRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
