// Package registry tracks the connections a host replicates to and fans
// frames out to them.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	loggingnetwork "jsonic/netsync/logging/network"
)

// Conn is the slice of a transport connection the registry needs.
type Conn interface {
	ID() string
	SendFrame(data []byte) error
	Close() error
}

// Result counts the outcome of one broadcast.
type Result struct {
	Delivered int
	Failed    int
}

// Config wires the registry into the host's logging and metrics.
type Config struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Registry is the host's set of active client connections.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	sealed bool

	// broadcastMu keeps frames from concurrent broadcasts and unicasts in call
	// order on every connection.
	broadcastMu sync.Mutex

	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		conns:     make(map[string]Conn),
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
	}
	if r.logger == nil {
		r.logger = telemetry.WrapLogger(log.Default())
	}
	if r.publisher == nil {
		r.publisher = logging.NopPublisher()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NopMetrics()
	}
	return r
}

// Register adds conn. It reports false when a connection with the same id is
// already present or the registry has been drained.
func (r *Registry) Register(ctx context.Context, conn Conn) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[conn.ID()] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.Store(telemetry.GaugeClients, uint64(count))
	payload := loggingnetwork.ConnectionPayload{Clients: count}
	if remote, ok := conn.(interface{ RemoteAddr() string }); ok {
		payload.Remote = remote.RemoteAddr()
	}
	loggingnetwork.ConnectionRegistered(ctx, r.publisher, logging.ConnectionRef(conn.ID()), payload)
	return true
}

// Unregister removes the connection with id without closing it. Unknown ids
// are ignored.
func (r *Registry) Unregister(ctx context.Context, id string, reason string) bool {
	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.Store(telemetry.GaugeClients, uint64(count))
	loggingnetwork.ConnectionUnregistered(ctx, r.publisher, logging.ConnectionRef(id), loggingnetwork.ConnectionPayload{Clients: count, Reason: reason})
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast encodes msg once and sends it to every registered connection.
// A connection whose send fails is unregistered and closed; the remaining
// connections still receive the frame. The error is non-nil only when msg
// cannot be encoded.
func (r *Registry) Broadcast(ctx context.Context, msg proto.Message) (Result, error) {
	frame, err := proto.Encode(msg)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: %w", err)
	}

	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	targets := r.snapshot()
	result := Result{}
	sequence := sequenceOf(msg)
	for _, conn := range targets {
		if err := conn.SendFrame(frame); err != nil {
			result.Failed++
			r.drop(ctx, conn, sequence, msg.MessageType(), err)
			continue
		}
		result.Delivered++
	}

	r.metrics.Add(telemetry.CounterBroadcasts, 1)
	if result.Delivered > 0 {
		r.metrics.Add(telemetry.CounterFramesSent, uint64(result.Delivered))
	}
	if result.Failed > 0 {
		r.metrics.Add(telemetry.CounterSendFailures, uint64(result.Failed))
	}
	return result, nil
}

// Send unicasts msg to one registered connection. A failed send unregisters
// and closes that connection.
func (r *Registry) Send(ctx context.Context, id string, msg proto.Message) error {
	frame, err := proto.Encode(msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send: connection %s not registered", id)
	}

	if err := conn.SendFrame(frame); err != nil {
		r.metrics.Add(telemetry.CounterSendFailures, 1)
		r.drop(ctx, conn, sequenceOf(msg), msg.MessageType(), err)
		return err
	}
	r.metrics.Add(telemetry.CounterFramesSent, 1)
	return nil
}

// Seal refuses further registrations. Existing connections stay registered.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Drain seals the registry, removes every connection and returns them. The
// caller owns closing them.
func (r *Registry) Drain() []Conn {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	r.sealed = true
	drained := make([]Conn, 0, len(r.conns))
	for id, conn := range r.conns {
		drained = append(drained, conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	r.metrics.Store(telemetry.GaugeClients, 0)
	return drained
}

func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	return targets
}

func (r *Registry) drop(ctx context.Context, conn Conn, sequence uint64, messageType string, cause error) {
	loggingnetwork.SendFailed(ctx, r.publisher, sequence, logging.ConnectionRef(conn.ID()), loggingnetwork.SendFailedPayload{
		MessageType: messageType,
		Error:       cause.Error(),
	})
	r.Unregister(ctx, conn.ID(), "send failed")
	if err := conn.Close(); err != nil {
		r.logger.Printf("failed to close connection %s after send failure: %v", conn.ID(), err)
	}
}

func sequenceOf(msg proto.Message) uint64 {
	switch m := msg.(type) {
	case proto.GameStateMessage:
		return m.State.SequenceNumber()
	case *proto.GameStateMessage:
		if m != nil {
			return m.State.SequenceNumber()
		}
	}
	return 0
}
