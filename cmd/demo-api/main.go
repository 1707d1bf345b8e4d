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

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servicebus-demo/internal/adapters/db/postgres"
	"servicebus-demo/internal/adapters/queue/servicebus"
	"servicebus-demo/internal/app"
	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/logging"
	"servicebus-demo/internal/metrics"
	"servicebus-demo/internal/middleware"
	"servicebus-demo/internal/transport"
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
		log.Error("application failed", "err", err)
		os.Exit(1)
	}
}

func run(conf config.Config, log *slog.Logger) error {
	clientType, err := domain.ParseClientType(conf.Type)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	repo, err := postgres.New(conf.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	factory, err := servicebus.NewFactory(conf.Client, servicebus.WithLogger(log), servicebus.WithMetrics(m))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender, err := factory.GetDataSender(ctx, clientType, conf.Endpoint, conf.Path)
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sender.Close(closeCtx); err != nil {
			log.Error("close sender", "err", err)
		}
	}()

	opts := []app.Option{app.WithInbox(repo)}
	if conf.SessionEnabled {
		opts = append(opts, app.WithSessionID("demo-api"))
	}
	svc := app.NewDemoService(sender, conf.Path, log, opts...)

	fiberApp := fiber.New(fiber.Config{
		AppName:               "demo-api",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          time.Minute,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             64 * 1024,
	})

	fiberApp.Use(recover.New())
	fiberApp.Use(middleware.RequestID())
	fiberApp.Use(middleware.RequestLogger(log))
	fiberApp.Use(middleware.SecurityHeaders())
	fiberApp.Use(middleware.CORS(conf.AllowOrigins))
	fiberApp.Use(middleware.RateLimit(conf.RateLimit, time.Minute))

	fiberApp.Get("/health", func(c *fiber.Ctx) error {
		pingCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(pingCtx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "database": "unreachable"})
		}
		return c.JSON(fiber.Map{"status": "healthy"})
	})
	fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	handler := transport.NewHandler(svc, log)
	handler.Register(fiberApp.Group("/api"))

	errChan := make(chan error, 1)
	go func() {
		log.Info("demo-api started", "addr", conf.HTTPAddr, "entity", conf.Path)
		if err := fiberApp.Listen(conf.HTTPAddr); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("demo-api stopped gracefully")
	return nil
}
