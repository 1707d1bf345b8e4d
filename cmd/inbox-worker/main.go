package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicebus-demo/internal/adapters/db/postgres"
	"servicebus-demo/internal/adapters/queue/servicebus"
	"servicebus-demo/internal/app"
	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/logging"
	"servicebus-demo/internal/ports"
)

func main() {
	configPath := flag.String("config", os.Getenv("SB_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(os.Stdout, conf.LogLevel, conf.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(conf, log); err != nil {
		log.Error("inbox-worker failed", "err", err)
		os.Exit(1)
	}
}

// run receives from the configured entity and records every message in the inbox.
func run(conf config.Config, log *slog.Logger) error {
	clientType, err := domain.ParseClientType(conf.Type)
	if err != nil {
		return err
	}

	// ── Adapters ─────────────────────────────────────────────────────────────
	repo, err := postgres.New(conf.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	factory, err := servicebus.NewFactory(conf.Client, servicebus.WithLogger(log))
	if err != nil {
		return err
	}

	// ── Application service ──────────────────────────────────────────────────
	// The worker never sends, so the service gets no sender.
	svc := app.NewDemoService(nil, conf.Path, log, app.WithInbox(repo))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	receiver, err := factory.GetDataReceiver(ctx, clientType, conf.Endpoint, conf.Path, ports.ReceiverOptions{
		Subscription:   conf.Subscription,
		SessionEnabled: conf.SessionEnabled,
		Handler:        svc.HandleText,
	})
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	log.Info("inbox-worker started", "entity", receiver.Entity())
	<-ctx.Done()
	log.Info("shutting down inbox-worker")

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return receiver.Close(closeCtx)
}
