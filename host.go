package netsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jsonic/netsync/internal/lifecycle"
	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/net/transport"
	"jsonic/netsync/internal/registry"
	"jsonic/netsync/internal/replication"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	logginglifecycle "jsonic/netsync/logging/lifecycle"
	"jsonic/netsync/state"
)

// HostConfig configures a HostSession. Zero values fall back to defaults.
type HostConfig struct {
	Transport transport.Config
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   *logging.Metrics
}

// DefaultHostConfig returns a config with the default transport timings.
func DefaultHostConfig() HostConfig {
	return HostConfig{Transport: transport.DefaultConfig()}
}

// HostSession owns the authoritative state and the set of joined clients.
type HostSession struct {
	id        string
	cfg       HostConfig
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   *logging.Metrics

	machine  *lifecycle.Machine[lifecycle.HostPhase]
	registry *registry.Registry
	engine   *replication.HostEngine

	mu       sync.Mutex
	endpoint *transport.Endpoint
	group    *errgroup.Group
	cancel   context.CancelFunc

	// listened runs between binding and serving; tests use it to interleave
	// a shutdown.
	listened func(addr string)
}

// HostDiagnostics is the body served on /diagnostics.
type HostDiagnostics struct {
	ID        string            `json:"id"`
	Phase     string            `json:"phase"`
	Clients   int               `json:"clients"`
	Sequence  uint64            `json:"sequence"`
	Telemetry map[string]uint64 `json:"telemetry,omitempty"`
}

// NewHostSession builds an idle host session; StartHosting binds it.
func NewHostSession(cfg HostConfig) *HostSession {
	h := &HostSession{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
	}
	if h.logger == nil {
		h.logger = telemetry.WrapLogger(log.Default())
	}
	if h.publisher == nil {
		h.publisher = logging.NopPublisher()
	}
	if h.metrics == nil {
		h.metrics = &logging.Metrics{}
	}

	metrics := telemetry.WrapMetrics(h.metrics)
	h.registry = registry.New(registry.Config{
		Logger:    h.logger,
		Publisher: h.publisher,
		Metrics:   metrics,
	})
	h.engine = replication.NewHostEngine(h.registry, metrics)
	h.machine = lifecycle.NewHostMachine(func(from, to lifecycle.HostPhase) {
		logginglifecycle.PhaseChanged(context.Background(), h.publisher, logging.HostRef(h.id), logginglifecycle.PhaseChangedPayload{
			From: from.String(),
			To:   to.String(),
		})
	})
	return h
}

// StartHosting binds addr and begins accepting clients. On a bind failure the
// session returns to idle and may be started again.
func (h *HostSession) StartHosting(addr string) error {
	if err := h.machine.Transition(lifecycle.HostListening); err != nil {
		return fmt.Errorf("start hosting: %w", err)
	}

	transportCfg := h.cfg.Transport
	transportCfg.Logger = h.logger
	transportCfg.Publisher = h.publisher
	transportCfg.Diagnostics = func() any { return h.Diagnostics() }

	endpoint, err := transport.Listen(addr, transportCfg)
	if err != nil {
		h.machine.Transition(lifecycle.HostIdle)
		return fmt.Errorf("start hosting on %s: %w", addr, err)
	}

	if h.listened != nil {
		h.listened(endpoint.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	h.mu.Lock()
	h.endpoint = endpoint
	h.group = group
	h.cancel = cancel
	h.mu.Unlock()

	group.Go(func() error {
		return h.acceptLoop(groupCtx, endpoint, group)
	})

	if err := h.machine.Transition(lifecycle.HostServing); err != nil {
		// A concurrent Shutdown ran before the endpoint was recorded.
		endpoint.Close()
		cancel()
		group.Wait()
		return fmt.Errorf("start hosting: %w", err)
	}
	h.logger.Printf("hosting on %s", endpoint.Addr())
	return nil
}

// Addr is the bound listen address, empty before StartHosting.
func (h *HostSession) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoint == nil {
		return ""
	}
	return h.endpoint.Addr()
}

// IsHost always reports true.
func (h *HostSession) IsHost() bool { return true }

// Phase returns the current lifecycle phase.
func (h *HostSession) Phase() lifecycle.HostPhase { return h.machine.Current() }

// ClientCount returns the number of joined clients.
func (h *HostSession) ClientCount() int { return h.registry.Count() }

// Latest returns the most recently broadcast snapshot.
func (h *HostSession) Latest() (state.GameState, bool) { return h.engine.Latest() }

// Diagnostics summarizes the session for the diagnostics route.
func (h *HostSession) Diagnostics() HostDiagnostics {
	return HostDiagnostics{
		ID:        h.id,
		Phase:     h.machine.Current().String(),
		Clients:   h.registry.Count(),
		Sequence:  h.engine.Sequence(),
		Telemetry: h.metrics.Snapshot(),
	}
}

// Tick snapshots the simulation's players and corruption overlay under the
// next sequence number and broadcasts it to every client. Ticks are
// serialized; the caller owns the cadence.
func (h *HostSession) Tick(ctx context.Context, players []state.PlayerState, corruption []state.CorruptionState) (state.GameState, error) {
	if phase := h.machine.Current(); phase != lifecycle.HostServing {
		return state.GameState{}, fmt.Errorf("%w: phase %s", ErrNotServing, phase)
	}
	return h.engine.Tick(ctx, players, corruption)
}

// Shutdown notifies every client, closes their connections and the listener,
// and waits for the session's goroutines. Calling it on a closed session is a
// no-op.
func (h *HostSession) Shutdown(ctx context.Context) error {
	if !h.machine.TransitionFrom(lifecycle.HostShuttingDown, lifecycle.HostServing, lifecycle.HostListening) {
		switch phase := h.machine.Current(); phase {
		case lifecycle.HostClosed:
			return nil
		case lifecycle.HostIdle:
			return h.machine.Transition(lifecycle.HostClosed)
		default:
			return fmt.Errorf("%w: shutdown in phase %s", ErrNotServing, phase)
		}
	}

	h.registry.Seal()
	result, err := h.registry.Broadcast(ctx, proto.ShutdownMessage{})
	if err != nil {
		h.logger.Printf("failed to broadcast shutdown notice: %v", err)
	}
	logginglifecycle.ShutdownBroadcast(ctx, h.publisher, h.engine.Sequence(), logging.HostRef(h.id), logginglifecycle.ShutdownBroadcastPayload{
		Delivered: result.Delivered,
		Failed:    result.Failed,
	})

	for _, conn := range h.registry.Drain() {
		if cerr := conn.Close(); cerr != nil {
			h.logger.Printf("failed to close connection %s: %v", conn.ID(), cerr)
		}
	}

	h.mu.Lock()
	endpoint, group, cancel := h.endpoint, h.group, h.cancel
	h.mu.Unlock()

	if endpoint != nil {
		if cerr := endpoint.Close(); cerr != nil {
			h.logger.Printf("failed to close endpoint: %v", cerr)
		}
	}

	var waitErr error
	if group != nil {
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case waitErr = <-done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}
	if cancel != nil {
		cancel()
	}

	if err := h.machine.Transition(lifecycle.HostClosed); err != nil {
		return err
	}
	return waitErr
}

// Close shuts the session down.
func (h *HostSession) Close(ctx context.Context) error {
	return h.Shutdown(ctx)
}

func (h *HostSession) acceptLoop(ctx context.Context, endpoint *transport.Endpoint, group *errgroup.Group) error {
	for {
		conn, err := endpoint.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrEndpointClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.admit(ctx, conn, group)
	}
}

// admit registers a joining client and unicasts the latest snapshot so it
// starts from the current state instead of waiting for the next tick.
func (h *HostSession) admit(ctx context.Context, conn *transport.Conn, group *errgroup.Group) {
	if !h.registry.Register(ctx, conn) {
		// Registration is refused once shutdown has begun.
		if err := conn.Send(proto.ShutdownMessage{}); err != nil {
			h.logger.Printf("failed to notify late client %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	if latest, ok := h.engine.Latest(); ok {
		if err := h.registry.Send(ctx, conn.ID(), proto.GameStateMessage{State: latest}); err != nil {
			h.logger.Printf("failed to send initial snapshot to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}

	group.Go(func() error {
		h.receiveLoop(ctx, conn)
		return nil
	})
}

// receiveLoop exists to notice a client going away; inbound frames are ignored.
func (h *HostSession) receiveLoop(ctx context.Context, conn *transport.Conn) {
	for {
		if _, err := conn.ReceiveFrame(); err != nil {
			h.registry.Unregister(ctx, conn.ID(), "connection lost")
			conn.Close()
			return
		}
	}
}
