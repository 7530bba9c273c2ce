package app

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"jsonic/netsync/internal/config"
	"jsonic/netsync/internal/telemetry"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TickRate = 50
	cfg.WriteWait = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.JoinRate = 0
	return cfg
}

func quietLogger() telemetry.Logger {
	return telemetry.LoggerFunc(func(string, ...any) {})
}

func TestHostAndClientRunUntilHostShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.JoinSecret = "shared"
	cfg.PlayerName = "Ada"

	hostCtx, stopHost := context.WithCancel(context.Background())
	defer stopHost()

	ready := make(chan string, 1)
	hostDone := make(chan error, 1)
	go func() {
		hostDone <- RunHost(hostCtx, HostOptions{
			Config:     cfg,
			Logger:     quietLogger(),
			Simulation: NewDemoSimulation("a", "b"),
			Console:    io.Discard,
			Ready:      func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-hostDone:
		t.Fatalf("host exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("host did not become ready")
	}

	clientCfg := cfg
	clientCfg.HostAddr = addr
	var reports atomic.Int32
	var lastSequence atomic.Uint64
	clientDone := make(chan error, 1)
	go func() {
		clientDone <- RunClient(context.Background(), ClientOptions{
			Config:         clientCfg,
			Logger:         quietLogger(),
			ReportInterval: 20 * time.Millisecond,
			Console:        io.Discard,
			OnState: func(players int, sequence uint64) {
				if players == 2 {
					reports.Add(1)
				}
				lastSequence.Store(sequence)
			},
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for reports.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reports.Load() < 3 {
		t.Fatalf("client reported %d snapshots, want at least 3", reports.Load())
	}
	if lastSequence.Load() == 0 {
		t.Fatalf("expected a non-zero sequence")
	}

	stopHost()
	select {
	case err := <-hostDone:
		if err != nil {
			t.Fatalf("host returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("host did not stop")
	}
	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("expected a graceful host shutdown to end the client cleanly, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not stop after the host shut down")
	}
}

func TestRunClientFailsWithoutHost(t *testing.T) {
	cfg := testConfig()
	cfg.HostAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := RunClient(ctx, ClientOptions{Config: cfg, Logger: quietLogger(), Console: io.Discard}); err == nil {
		t.Fatalf("expected joining a missing host to fail")
	}
}

func TestDemoSimulationProducesValidState(t *testing.T) {
	sim := NewDemoSimulation("a", "b", "c")
	var players, corruption = sim.Step(0)
	if len(players) != 3 {
		t.Fatalf("expected 3 players, got %d", len(players))
	}
	if corruption == nil || len(corruption) != 0 {
		t.Fatalf("expected an empty overlay before the first second, got %+v", corruption)
	}

	for i := 0; i < 20; i++ {
		players, corruption = sim.Step(time.Second)
	}
	if len(corruption) != demoMaxTiles {
		t.Fatalf("expected %d tiles, got %d", demoMaxTiles, len(corruption))
	}
	for _, tile := range corruption {
		if tile.Level < 0 || tile.Level > demoMaxLevel {
			t.Fatalf("tile level out of range: %+v", tile)
		}
	}
	for _, p := range players {
		if p.ID == "" || p.Animation != "run" || !p.Flags["grounded"] {
			t.Fatalf("unexpected player: %+v", p)
		}
	}
}
