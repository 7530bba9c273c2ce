package replication

import (
	"context"
	"sync"

	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	loggingnetwork "jsonic/netsync/logging/network"
	"jsonic/netsync/state"
)

// ClientEngine holds the newest snapshot received from the host. Snapshots
// whose sequence number is not greater than the last applied one are dropped.
type ClientEngine struct {
	actor     logging.EntityRef
	publisher logging.Publisher
	metrics   telemetry.Metrics

	mu      sync.RWMutex
	latest  state.GameState
	applied bool
}

// NewClientEngine returns an engine with nothing applied yet.
func NewClientEngine(actor logging.EntityRef, pub logging.Publisher, metrics telemetry.Metrics) *ClientEngine {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &ClientEngine{actor: actor, publisher: pub, metrics: metrics}
}

// Apply installs s when it is the first snapshot or newer than the latest one,
// and reports whether it did.
func (e *ClientEngine) Apply(ctx context.Context, s state.GameState) bool {
	e.mu.Lock()
	if e.applied && s.SequenceNumber() <= e.latest.SequenceNumber() {
		last := e.latest.SequenceNumber()
		e.mu.Unlock()
		e.metrics.Add(telemetry.CounterSnapshotsDiscarded, 1)
		loggingnetwork.SnapshotDiscarded(ctx, e.publisher, e.actor, loggingnetwork.SnapshotDiscardedPayload{
			Received:    s.SequenceNumber(),
			LastApplied: last,
		})
		return false
	}
	e.latest = s
	e.applied = true
	e.mu.Unlock()

	e.metrics.Add(telemetry.CounterSnapshotsApplied, 1)
	e.metrics.Store(telemetry.GaugeSequence, s.SequenceNumber())
	return true
}

// Latest returns the applied snapshot, or false before the first one.
func (e *ClientEngine) Latest() (state.GameState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.applied
}

// LastApplied is the sequence number of the applied snapshot, zero before the first one.
func (e *ClientEngine) LastApplied() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.applied {
		return 0
	}
	return e.latest.SequenceNumber()
}

// Reset forgets the applied snapshot. A rejoined host numbers from 1 again.
func (e *ClientEngine) Reset() {
	e.mu.Lock()
	e.latest = state.GameState{}
	e.applied = false
	e.mu.Unlock()
}
