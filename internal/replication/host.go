// Package replication produces sequenced snapshots on the host and keeps the
// newest one on each client.
package replication

import (
	"context"
	"fmt"
	"sync"

	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/registry"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/state"
)

// Broadcaster delivers one message to every connected client.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg proto.Message) (registry.Result, error)
}

// HostEngine numbers and broadcasts the host's authoritative snapshots.
type HostEngine struct {
	out     Broadcaster
	metrics telemetry.Metrics

	// tickMu serializes Tick; mu guards the fields below it.
	tickMu   sync.Mutex
	mu       sync.RWMutex
	sequence uint64
	latest   state.GameState
	has      bool
}

// NewHostEngine returns an engine that broadcasts each tick through out.
func NewHostEngine(out Broadcaster, metrics telemetry.Metrics) *HostEngine {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &HostEngine{out: out, metrics: metrics}
}

// Tick builds the next snapshot from the simulation's current players and
// corruption overlay and broadcasts it. Sequence numbers start at 1 and grow by
// one per successful tick. Invalid input consumes no sequence number.
func (e *HostEngine) Tick(ctx context.Context, players []state.PlayerState, corruption []state.CorruptionState) (state.GameState, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.RLock()
	next := e.sequence + 1
	e.mu.RUnlock()

	snapshot, err := state.NewGameState(players, corruption, next)
	if err != nil {
		return state.GameState{}, fmt.Errorf("tick %d: %w", next, err)
	}

	e.mu.Lock()
	e.sequence = next
	e.latest = snapshot
	e.has = true
	e.mu.Unlock()
	e.metrics.Store(telemetry.GaugeSequence, next)

	if e.out == nil {
		return snapshot, nil
	}
	if _, err := e.out.Broadcast(ctx, proto.GameStateMessage{State: snapshot}); err != nil {
		return snapshot, fmt.Errorf("tick %d: %w", next, err)
	}
	return snapshot, nil
}

// Latest returns the most recent snapshot, if any tick has completed.
func (e *HostEngine) Latest() (state.GameState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.has
}

// Sequence is the sequence number of the latest snapshot, zero before the first tick.
func (e *HostEngine) Sequence() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}
