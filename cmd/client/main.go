package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jsonic/netsync/internal/app"
	"jsonic/netsync/internal/config"
	"jsonic/netsync/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.New(os.Stderr, "[client] ", log.LstdFlags))
	cfg := config.Load(logger)

	flag.StringVar(&cfg.HostAddr, "host", cfg.HostAddr, "host address (host:port or ws:// URL)")
	flag.StringVar(&cfg.PlayerName, "name", cfg.PlayerName, "player name carried in the join ticket")
	interval := flag.Duration("report", time.Second, "how often to log the latest snapshot")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunClient(ctx, app.ClientOptions{Config: cfg, Logger: logger, ReportInterval: *interval}); err != nil {
		log.Fatalf("%v", err)
	}
}
