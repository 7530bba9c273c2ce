package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"jsonic/netsync/internal/app"
	"jsonic/netsync/internal/config"
	"jsonic/netsync/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.New(os.Stderr, "[host] ", log.LstdFlags))
	cfg := config.Load(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunHost(ctx, app.HostOptions{Config: cfg, Logger: logger}); err != nil {
		log.Fatalf("%v", err)
	}
}
