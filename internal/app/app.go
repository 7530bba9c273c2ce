package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jsonic/netsync"
	"jsonic/netsync/internal/config"
	"jsonic/netsync/internal/net/ticket"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
)

// HostOptions configures RunHost.
type HostOptions struct {
	Config     config.Config
	Logger     telemetry.Logger
	Simulation Simulation
	// Console receives the console sink output; stdout when nil.
	Console io.Writer
	// Ready, when set, is called with the bound address once the host serves.
	Ready func(addr string)
}

// RunHost serves until ctx is cancelled, ticking the simulation at the
// configured rate, then shuts the session down gracefully.
func RunHost(ctx context.Context, opts HostOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	router, err := newRouter(cfg, "host", opts.Console)
	if err != nil {
		return err
	}
	defer closeRouter(router, logger)

	metrics := &logging.Metrics{}
	host := netsync.NewHostSession(netsync.HostConfig{
		Transport: cfg.Transport(),
		Logger:    logger,
		Publisher: router,
		Metrics:   metrics,
	})
	if err := host.StartHosting(cfg.ListenAddr); err != nil {
		return err
	}
	if opts.Ready != nil {
		opts.Ready(host.Addr())
	}

	sim := opts.Simulation
	if sim == nil {
		sim = NewDemoSimulation()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runTicks(groupCtx, host, sim, cfg.TickInterval(), logger)
	})
	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		logger.Printf("host shutdown incomplete: %v", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	logger.Printf("host stopped after %d ticks", metrics.Snapshot()[telemetry.GaugeSequence])
	return runErr
}

func runTicks(ctx context.Context, host *netsync.HostSession, sim Simulation, interval time.Duration, logger telemetry.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			players, corruption := sim.Step(now.Sub(last))
			last = now
			if _, err := host.Tick(ctx, players, corruption); err != nil {
				if errors.Is(err, netsync.ErrNotServing) {
					return nil
				}
				logger.Printf("tick failed: %v", err)
			}
		}
	}
}

// ClientOptions configures RunClient.
type ClientOptions struct {
	Config config.Config
	Logger telemetry.Logger
	// ReportInterval is how often the latest snapshot is logged; one second when zero.
	ReportInterval time.Duration
	Console        io.Writer
	// OnState, when set, receives every reported snapshot.
	OnState func(players int, sequence uint64)
}

// RunClient joins the configured host and reports the replicated state until
// the host shuts down, the connection drops or ctx is cancelled. A graceful
// host shutdown is not an error.
func RunClient(ctx context.Context, opts ClientOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	router, err := newRouter(cfg, "client", opts.Console)
	if err != nil {
		return err
	}
	defer closeRouter(router, logger)

	transportCfg := cfg.Transport()
	if cfg.JoinSecret != "" {
		raw, err := ticket.Issue([]byte(cfg.JoinSecret), uuid.NewString(), cfg.PlayerName, time.Minute, time.Now())
		if err != nil {
			return fmt.Errorf("failed to issue join ticket: %w", err)
		}
		transportCfg.Ticket = raw
	}

	client := netsync.NewClientSession(netsync.ClientConfig{
		Transport: transportCfg,
		Logger:    logger,
		Publisher: router,
		Metrics:   &logging.Metrics{},
	})
	client.OnError(func(err error) {
		logger.Printf("rejected message from host: %v", err)
	})
	client.OnShutdown(func() {
		logger.Printf("host disconnected")
	})

	if err := client.ConnectTo(ctx, cfg.HostAddr); err != nil {
		return err
	}
	logger.Printf("joined host at %s", cfg.HostAddr)

	interval := opts.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return client.Close(closeCtx)
		case <-client.Done():
			if err := client.Err(); err != nil && !errors.Is(err, netsync.ErrHostShutdown) {
				return err
			}
			return nil
		case <-ticker.C:
			latest, ok := client.LatestState()
			if !ok {
				continue
			}
			corruption, present := latest.Corruption()
			logger.Printf("sequence=%d players=%d corruption=%d (reported=%t)", latest.SequenceNumber(), latest.PlayerCount(), len(corruption), present)
			if opts.OnState != nil {
				opts.OnState(latest.PlayerCount(), latest.SequenceNumber())
			}
		}
	}
}

func closeRouter(router *logging.Router, logger telemetry.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		logger.Printf("failed to close logging router: %v", err)
	}
}
