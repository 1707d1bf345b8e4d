package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"servicebus-demo/internal/adapters/db/postgres"
	"servicebus-demo/internal/config"
	"servicebus-demo/internal/logging"
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

	repo, err := postgres.New(conf.DatabaseURL, log)
	if err != nil {
		log.Error("connect to postgres", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := repo.Ping(ctx); err != nil {
		log.Error("ping postgres", "err", err)
		os.Exit(1)
	}
	if err := repo.Migrate(ctx); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("migration complete", "table", "received_messages")
}
