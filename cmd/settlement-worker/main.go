package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-settlement/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-settlement/internal/bootstrap"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "ticket-settlement-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer rt.Close()

	resolver, err := custodial.NewResolver(cfg.CustodialSecret)
	if err != nil {
		log.Fatalf("failed to create custodial resolver: %v", err)
	}
	ledgerClient, err := bootstrap.Ledger(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to ledger: %v", err)
	}
	defer ledgerClient.Close()

	worker := NewSettlementWorker(bootstrap.Engine(cfg, rt, ledgerClient, resolver, logger), logger)

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		consumer, err := rabbit.NewConsumer(conn, "settlement.retry", "settlement.incomplete")
		if err != nil {
			log.Fatalf("failed to create consumer: %v", err)
		}
		defer consumer.Close()
		deliveries, err := consumer.Consume(ctx)
		if err != nil {
			log.Fatalf("failed to consume: %v", err)
		}
		go worker.Listen(ctx, deliveries)
	}

	go worker.Run(ctx, cfg.SettlementRetryInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown settlement worker")
}
