package lifecycle

import (
	"context"

	"jsonic/netsync/logging"
)

const (
	// EventPhaseChanged is emitted on every host or client phase transition.
	EventPhaseChanged logging.EventType = "lifecycle.phase_changed"
	// EventShutdownBroadcast is emitted after the host notified its clients.
	EventShutdownBroadcast logging.EventType = "lifecycle.shutdown_broadcast"
	// EventJoinFailed is emitted when a client could not reach the host.
	EventJoinFailed logging.EventType = "lifecycle.join_failed"
	// EventHostDisconnected is emitted when a client observes the host shutting down.
	EventHostDisconnected logging.EventType = "lifecycle.host_disconnected"
)

// PhaseChangedPayload captures a transition.
type PhaseChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ShutdownBroadcastPayload reports how many clients were notified.
type ShutdownBroadcastPayload struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// JoinFailedPayload records the target address and the failure.
type JoinFailedPayload struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

// PhaseChanged publishes a phase transition.
func PhaseChanged(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload PhaseChangedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPhaseChanged,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ShutdownBroadcast publishes the outcome of the shutdown notice fan-out.
func ShutdownBroadcast(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload ShutdownBroadcastPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventShutdownBroadcast,
		Sequence: sequence,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// JoinFailed publishes a failed join attempt.
func JoinFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload JoinFailedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventJoinFailed,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// HostDisconnected publishes the client-side view of a graceful host shutdown.
func HostDisconnected(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventHostDisconnected,
		Sequence: sequence,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
	})
}
