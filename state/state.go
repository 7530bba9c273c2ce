// Package state holds the replicated world snapshot: players, the corruption
// overlay and the sequence number that orders snapshots within a host session.
package state

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/brunoga/deep"
)

// ErrInvalidState is returned when snapshot data breaks a model invariant.
var ErrInvalidState = errors.New("invalid game state")

// PlayerState is one player's replicated identity, position and gameplay flags.
type PlayerState struct {
	ID          string          `json:"id"`
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	VelocityX   float64         `json:"vx"`
	VelocityY   float64         `json:"vy"`
	FacingRight bool            `json:"facingRight"`
	Animation   string          `json:"animation"`
	Flags       map[string]bool `json:"flags"`
}

// CorruptionState is the contamination level of one map tile.
type CorruptionState struct {
	TileX int `json:"tileX"`
	TileY int `json:"tileY"`
	Level int `json:"level"`
}

type tile struct{ x, y int }

// GameState is the unit of replication. It is a value: accessors hand out
// copies, and adjusting a snapshot means building a new one.
type GameState struct {
	players    []PlayerState
	corruption []CorruptionState
	sequence   uint64
}

// NewGameState validates the inputs and returns a snapshot that owns copies of
// them. A nil corruption slice means the overlay is absent for this snapshot;
// an empty non-nil slice means no tile is corrupted.
func NewGameState(players []PlayerState, corruption []CorruptionState, sequence uint64) (GameState, error) {
	s := GameState{
		players:    clonePlayers(players),
		corruption: cloneCorruption(corruption),
		sequence:   sequence,
	}
	if err := s.Validate(); err != nil {
		return GameState{}, err
	}
	return s, nil
}

// MustGameState is NewGameState for literals known to be valid.
func MustGameState(players []PlayerState, corruption []CorruptionState, sequence uint64) GameState {
	s, err := NewGameState(players, corruption, sequence)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks player identities, finite coordinates and unique tiles.
// Strings must be valid UTF-8 so they survive the JSON wire unchanged.
func (s GameState) Validate() error {
	seen := make(map[string]struct{}, len(s.players))
	for i, p := range s.players {
		if p.ID == "" {
			return fmt.Errorf("%w: player %d has empty id", ErrInvalidState, i)
		}
		if err := validateText(p); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate player id %q", ErrInvalidState, p.ID)
		}
		seen[p.ID] = struct{}{}
		for _, v := range [...]float64{p.X, p.Y, p.VelocityX, p.VelocityY} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: player %q has non-finite coordinates", ErrInvalidState, p.ID)
			}
		}
	}

	tiles := make(map[tile]struct{}, len(s.corruption))
	for _, c := range s.corruption {
		key := tile{c.TileX, c.TileY}
		if _, dup := tiles[key]; dup {
			return fmt.Errorf("%w: duplicate corruption tile (%d,%d)", ErrInvalidState, c.TileX, c.TileY)
		}
		tiles[key] = struct{}{}
	}
	return nil
}

func validateText(p PlayerState) error {
	if !utf8.ValidString(p.ID) {
		return fmt.Errorf("%w: player id %q is not valid UTF-8", ErrInvalidState, p.ID)
	}
	if !utf8.ValidString(p.Animation) {
		return fmt.Errorf("%w: player %q animation is not valid UTF-8", ErrInvalidState, p.ID)
	}
	for key := range p.Flags {
		if !utf8.ValidString(key) {
			return fmt.Errorf("%w: player %q flag %q is not valid UTF-8", ErrInvalidState, p.ID, key)
		}
	}
	return nil
}

// SequenceNumber reports the snapshot's position in its host session.
func (s GameState) SequenceNumber() uint64 {
	return s.sequence
}

// Players returns a copy of the player list in snapshot order.
func (s GameState) Players() []PlayerState {
	return clonePlayers(s.players)
}

// PlayerCount avoids copying when only the size matters.
func (s GameState) PlayerCount() int {
	return len(s.players)
}

// Corruption returns a copy of the overlay and whether it is present at all.
func (s GameState) Corruption() ([]CorruptionState, bool) {
	return cloneCorruption(s.corruption), s.corruption != nil
}

// WithSequence builds a new snapshot carrying the same data under another
// sequence number.
func (s GameState) WithSequence(sequence uint64) GameState {
	return GameState{
		players:    clonePlayers(s.players),
		corruption: cloneCorruption(s.corruption),
		sequence:   sequence,
	}
}

// Equal compares field for field, distinguishing an absent overlay from an
// empty one.
func (s GameState) Equal(other GameState) bool {
	return s.sequence == other.sequence &&
		reflect.DeepEqual(s.players, other.players) &&
		reflect.DeepEqual(s.corruption, other.corruption)
}

func clonePlayers(players []PlayerState) []PlayerState {
	if players == nil {
		return nil
	}
	out := make([]PlayerState, len(players))
	for i, p := range players {
		if p.Flags == nil {
			out[i] = p
			continue
		}
		out[i] = deep.MustCopy(p)
	}
	return out
}

func cloneCorruption(corruption []CorruptionState) []CorruptionState {
	if corruption == nil {
		return nil
	}
	out := make([]CorruptionState, len(corruption))
	copy(out, corruption)
	return out
}
