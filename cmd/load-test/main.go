package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "demo-api base URL")
	n := flag.Int("n", 100, "number of messages to send")
	concurrency := flag.Int("c", 10, "concurrent requests")
	flag.Parse()

	if *n <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 30 * time.Second}
	base := strings.TrimSuffix(*baseURL, "/")

	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach %s: %v\n", base, err)
		os.Exit(1)
	}
	resp.Body.Close()

	fmt.Printf("sending %d messages to %s with concurrency %d\n", *n, base, *concurrency)
	result := run(ctx, client, base+"/api/messages", *n, *concurrency)
	printResult(os.Stdout, result)

	if result.Failed > 0 {
		os.Exit(1)
	}
}
