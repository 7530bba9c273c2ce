package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"jsonic/netsync/internal/neterr"
	"jsonic/netsync/state"
)

const (
	// Version is the wire schema revision. Frames carrying any other value
	// are rejected rather than decoded best-effort.
	Version = 1

	// Type identifiers for websocket payloads.
	TypeState    = "state"
	TypeShutdown = "shutdown"
)

// Message is anything the host and clients exchange as one frame.
type Message interface {
	MessageType() string
}

// GameStateMessage carries one full snapshot.
type GameStateMessage struct {
	State state.GameState
}

// MessageType implements Message.
func (GameStateMessage) MessageType() string { return TypeState }

// ShutdownMessage tells clients the host is about to close every connection.
type ShutdownMessage struct{}

// MessageType implements Message.
func (ShutdownMessage) MessageType() string { return TypeShutdown }

// Header is the discriminator shared by every frame.
type Header struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

// StateFrame is the version 1 layout of a snapshot frame. A null corruption
// list means the overlay is absent; an empty list means no corrupted tiles.
type StateFrame struct {
	Ver        int                     `json:"ver"`
	Type       string                  `json:"type"`
	Sequence   uint64                  `json:"sequence"`
	Players    []state.PlayerState     `json:"players"`
	Corruption []state.CorruptionState `json:"corruption"`
}

// ShutdownFrame is the version 1 layout of the shutdown notice.
type ShutdownFrame struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

// Encode renders a message as a single frame.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case GameStateMessage:
		return EncodeGameState(m.State)
	case *GameStateMessage:
		if m == nil {
			return nil, fmt.Errorf("encode: nil state message")
		}
		return EncodeGameState(m.State)
	case ShutdownMessage, *ShutdownMessage:
		return json.Marshal(ShutdownFrame{Ver: Version, Type: TypeShutdown})
	case nil:
		return nil, fmt.Errorf("encode: nil message")
	default:
		return nil, fmt.Errorf("encode: unsupported message type %q", msg.MessageType())
	}
}

// EncodeGameState renders a snapshot frame.
func EncodeGameState(s state.GameState) ([]byte, error) {
	corruption, _ := s.Corruption()
	frame := StateFrame{
		Ver:        Version,
		Type:       TypeState,
		Sequence:   s.SequenceNumber(),
		Players:    s.Players(),
		Corruption: corruption,
	}
	return json.Marshal(frame)
}

// Decode parses a frame. Every failure wraps neterr.ErrMalformedPayload.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", neterr.ErrMalformedPayload)
	}

	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", neterr.ErrMalformedPayload, err)
	}
	if header.Ver != Version {
		return nil, fmt.Errorf("%w: unsupported schema version %d", neterr.ErrMalformedPayload, header.Ver)
	}

	switch header.Type {
	case TypeState:
		var frame StateFrame
		if err := decodeStrict(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: state frame: %v", neterr.ErrMalformedPayload, err)
		}
		s, err := state.NewGameState(frame.Players, frame.Corruption, frame.Sequence)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", neterr.ErrMalformedPayload, err)
		}
		return GameStateMessage{State: s}, nil
	case TypeShutdown:
		var frame ShutdownFrame
		if err := decodeStrict(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: shutdown frame: %v", neterr.ErrMalformedPayload, err)
		}
		return ShutdownMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", neterr.ErrMalformedPayload, header.Type)
	}
}

func decodeStrict(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("trailing data after frame")
	}
	return nil
}
