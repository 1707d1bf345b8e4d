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

	"servicebus-demo/internal/adapters/queue/servicebus"
	"servicebus-demo/internal/app"
	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/logging"
	"servicebus-demo/internal/ports"
)

// demoSession groups the demo's messages on session-enabled queues.
const demoSession = "servicebus-demo"

func main() {
	configPath := flag.String("config", os.Getenv("SB_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(os.Stderr, conf.LogLevel, conf.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(conf, log); err != nil {
		log.Error("servicebus-demo failed", "err", err)
		os.Exit(1)
	}
}

func run(conf config.Config, log *slog.Logger) error {
	clientType, err := domain.ParseClientType(conf.Type)
	if err != nil {
		return err
	}

	factory, err := servicebus.NewFactory(conf.Client, servicebus.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender, err := factory.GetDataSender(ctx, clientType, conf.Endpoint, conf.Path)
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}
	defer closeWithTimeout(log, "sender", sender.Close)

	opts := []app.Option{app.WithOutput(os.Stdout)}
	if conf.SessionEnabled {
		opts = append(opts, app.WithSessionID(demoSession))
	}
	svc := app.NewDemoService(sender, conf.Path, log, opts...)

	receiver, err := factory.GetDataReceiver(ctx, clientType, conf.Endpoint, conf.Path, ports.ReceiverOptions{
		Subscription:   conf.Subscription,
		SessionEnabled: conf.SessionEnabled,
		Handler:        svc.HandleText,
	})
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}
	defer closeWithTimeout(log, "receiver", receiver.Close)

	if conf.MessageCount > 0 {
		if _, err := svc.SendBatch(ctx, conf.MessageCount); err != nil && ctx.Err() == nil {
			return err
		}
	}

	log.Info("waiting for messages, press Ctrl+C to exit", "entity", receiver.Entity())
	<-ctx.Done()
	return nil
}

func closeWithTimeout(log *slog.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		log.Error("close "+name, "err", err)
	}
}
