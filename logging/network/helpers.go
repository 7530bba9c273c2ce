package network

import (
	"context"

	"jsonic/netsync/logging"
)

const (
	// EventConnectionRegistered is emitted when the host registers a joining client.
	EventConnectionRegistered logging.EventType = "network.connection_registered"
	// EventConnectionUnregistered is emitted when a client connection leaves the registry.
	EventConnectionUnregistered logging.EventType = "network.connection_unregistered"
	// EventSendFailed is emitted when a frame could not be delivered to a connection.
	EventSendFailed logging.EventType = "network.send_failed"
	// EventSnapshotDiscarded is emitted when a client drops a stale or duplicate snapshot.
	EventSnapshotDiscarded logging.EventType = "network.snapshot_discarded"
	// EventMalformedPayload is emitted when a received frame is rejected.
	EventMalformedPayload logging.EventType = "network.malformed_payload"
	// EventJoinThrottled is emitted when a join attempt exceeds the per-address rate.
	EventJoinThrottled logging.EventType = "network.join_throttled"
)

// ConnectionPayload describes a client connection.
type ConnectionPayload struct {
	Remote  string `json:"remote,omitempty"`
	Clients int    `json:"clients"`
	Reason  string `json:"reason,omitempty"`
}

// SendFailedPayload captures why a send failed.
type SendFailedPayload struct {
	MessageType string `json:"messageType"`
	Error       string `json:"error"`
}

// SnapshotDiscardedPayload compares the rejected sequence to the applied one.
type SnapshotDiscardedPayload struct {
	Received    uint64 `json:"received"`
	LastApplied uint64 `json:"lastApplied"`
}

// MalformedPayload describes a rejected frame.
type MalformedPayload struct {
	Error string `json:"error"`
	Bytes int    `json:"bytes"`
}

// ThrottledPayload identifies the throttled address.
type ThrottledPayload struct {
	Remote string `json:"remote"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, sequence uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Sequence: sequence,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// ConnectionRegistered publishes a client registration.
func ConnectionRegistered(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload) {
	publish(ctx, pub, EventConnectionRegistered, logging.SeverityInfo, 0, actor, payload)
}

// ConnectionUnregistered publishes a client removal.
func ConnectionUnregistered(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload) {
	publish(ctx, pub, EventConnectionUnregistered, logging.SeverityInfo, 0, actor, payload)
}

// SendFailed publishes a warning for an undeliverable frame.
func SendFailed(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload SendFailedPayload) {
	publish(ctx, pub, EventSendFailed, logging.SeverityWarn, sequence, actor, payload)
}

// SnapshotDiscarded publishes a debug event for a dropped snapshot.
func SnapshotDiscarded(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SnapshotDiscardedPayload) {
	publish(ctx, pub, EventSnapshotDiscarded, logging.SeverityDebug, payload.Received, actor, payload)
}

// MalformedPayloadRejected publishes a warning for a rejected frame.
func MalformedPayloadRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload MalformedPayload) {
	publish(ctx, pub, EventMalformedPayload, logging.SeverityWarn, 0, actor, payload)
}

// JoinThrottled publishes a warning for a rate-limited join.
func JoinThrottled(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ThrottledPayload) {
	publish(ctx, pub, EventJoinThrottled, logging.SeverityWarn, 0, actor, payload)
}
