package netsync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"jsonic/netsync/internal/lifecycle"
	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/net/transport"
	"jsonic/netsync/internal/replication"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	logginglifecycle "jsonic/netsync/logging/lifecycle"
	loggingnetwork "jsonic/netsync/logging/network"
	"jsonic/netsync/state"
)

// ClientConfig configures a ClientSession. Zero values fall back to defaults.
type ClientConfig struct {
	Transport transport.Config
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   *logging.Metrics
}

// DefaultClientConfig returns a config with the default transport timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Transport: transport.DefaultConfig()}
}

// ClientSession mirrors the host's state from the snapshots it receives.
type ClientSession struct {
	id        string
	cfg       ClientConfig
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics

	machine *lifecycle.Machine[lifecycle.ClientPhase]
	engine  *replication.ClientEngine

	mu           sync.Mutex
	conn         *transport.Conn
	done         chan struct{}
	err          error
	onShutdown   []func()
	onDisconnect []func(error)
	onError      []func(error)
}

// NewClientSession builds a disconnected client; ConnectTo joins a host.
func NewClientSession(cfg ClientConfig) *ClientSession {
	c := &ClientSession{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
	}
	if c.logger == nil {
		c.logger = telemetry.WrapLogger(log.Default())
	}
	if c.publisher == nil {
		c.publisher = logging.NopPublisher()
	}
	if cfg.Metrics != nil {
		c.metrics = telemetry.WrapMetrics(cfg.Metrics)
	} else {
		c.metrics = telemetry.NopMetrics()
	}

	c.done = make(chan struct{})
	close(c.done)

	c.engine = replication.NewClientEngine(logging.ClientRef(c.id), c.publisher, c.metrics)
	c.machine = lifecycle.NewClientMachine(func(from, to lifecycle.ClientPhase) {
		logginglifecycle.PhaseChanged(context.Background(), c.publisher, logging.ClientRef(c.id), logginglifecycle.PhaseChangedPayload{
			From: from.String(),
			To:   to.String(),
		})
	})
	return c
}

// ConnectTo joins the host at addr. It returns once the transport is
// connected; snapshots are applied in the background. Errors wrap
// ErrJoinFailed and leave the session disconnected so it can retry.
func (c *ClientSession) ConnectTo(ctx context.Context, addr string) error {
	if err := c.machine.Transition(lifecycle.ClientConnecting); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}

	conn, err := transport.Dial(ctx, addr, c.cfg.Transport)
	if err != nil {
		c.machine.Transition(lifecycle.ClientDisconnected)
		logginglifecycle.JoinFailed(ctx, c.publisher, logging.ClientRef(c.id), logginglifecycle.JoinFailedPayload{
			Address: addr,
			Error:   err.Error(),
		})
		return fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}

	// A new host session numbers its snapshots from 1 again.
	c.engine.Reset()

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.err = nil
	c.mu.Unlock()

	if err := c.machine.Transition(lifecycle.ClientConnected); err != nil {
		conn.Close()
		close(done)
		return fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	go c.receiveLoop(conn, done)
	return nil
}

// LatestState returns the newest applied snapshot, or false before the first one.
func (c *ClientSession) LatestState() (state.GameState, bool) {
	return c.engine.Latest()
}

// IsHost always reports false.
func (c *ClientSession) IsHost() bool { return false }

// Phase returns the current lifecycle phase.
func (c *ClientSession) Phase() lifecycle.ClientPhase { return c.machine.Current() }

// Done is closed when the current connection ends for any reason.
func (c *ClientSession) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last connection ended: ErrHostShutdown after a graceful
// host shutdown, an error wrapping ErrConnectionLost after a drop, nil while
// connected or after a local Close.
func (c *ClientSession) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnShutdown registers cb to run when the host shuts down gracefully.
func (c *ClientSession) OnShutdown(cb func()) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.onShutdown = append(c.onShutdown, cb)
	c.mu.Unlock()
}

// OnDisconnect registers cb to run when the connection drops unexpectedly.
func (c *ClientSession) OnDisconnect(cb func(error)) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, cb)
	c.mu.Unlock()
}

// OnError registers cb to run for every rejected message.
func (c *ClientSession) OnError(cb func(error)) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.onError = append(c.onError, cb)
	c.mu.Unlock()
}

// Close leaves the host and makes the session terminal.
func (c *ClientSession) Close(ctx context.Context) error {
	if c.machine.TransitionFrom(lifecycle.ClientClosed, lifecycle.ClientDisconnected) {
		return nil
	}

	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()

	switch c.machine.Current() {
	case lifecycle.ClientClosed:
		return nil
	case lifecycle.ClientShuttingDown:
		// The host's shutdown notice is being handled by the receive loop.
		return wait(ctx, done)
	}

	if !c.machine.TransitionFrom(lifecycle.ClientShuttingDown, lifecycle.ClientConnected) {
		return fmt.Errorf("close client in phase %s: %w", c.machine.Current(), lifecycle.ErrInvalidTransition)
	}
	if conn != nil {
		conn.Close()
	}
	waitErr := wait(ctx, done)
	if err := c.machine.Transition(lifecycle.ClientClosed); err != nil {
		return err
	}
	return waitErr
}

func (c *ClientSession) receiveLoop(conn *transport.Conn, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	actor := logging.ClientRef(c.id)

	for {
		frame, err := conn.ReceiveFrame()
		if err != nil {
			c.handleLost(conn, err)
			return
		}
		msg, err := proto.Decode(frame)
		if err != nil {
			c.metrics.Add(telemetry.CounterMalformedFrames, 1)
			loggingnetwork.MalformedPayloadRejected(ctx, c.publisher, actor, loggingnetwork.MalformedPayload{
				Error: err.Error(),
				Bytes: len(frame),
			})
			c.emitError(err)
			continue
		}

		switch m := msg.(type) {
		case proto.GameStateMessage:
			c.engine.Apply(ctx, m.State)
		case proto.ShutdownMessage:
			c.handleShutdown(ctx, conn)
			return
		}
	}
}

func (c *ClientSession) handleShutdown(ctx context.Context, conn *transport.Conn) {
	if !c.machine.TransitionFrom(lifecycle.ClientShuttingDown, lifecycle.ClientConnected) {
		// A local Close won the race.
		conn.Close()
		return
	}
	conn.Close()

	c.mu.Lock()
	c.err = ErrHostShutdown
	callbacks := append([]func(){}, c.onShutdown...)
	c.mu.Unlock()

	c.machine.Transition(lifecycle.ClientClosed)
	logginglifecycle.HostDisconnected(ctx, c.publisher, c.engine.LastApplied(), logging.ClientRef(c.id))
	for _, cb := range callbacks {
		cb()
	}
}

func (c *ClientSession) handleLost(conn *transport.Conn, err error) {
	conn.Close()
	if !c.machine.TransitionFrom(lifecycle.ClientDisconnected, lifecycle.ClientConnected) {
		return
	}

	c.mu.Lock()
	c.err = err
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	c.logger.Printf("lost connection to host: %v", err)
	for _, cb := range callbacks {
		cb(err)
	}
}

func (c *ClientSession) emitError(err error) {
	c.mu.Lock()
	callbacks := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(err)
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
