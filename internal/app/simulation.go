package app

import (
	"fmt"
	"math"
	"time"

	"jsonic/netsync/state"
)

// Simulation advances the game by dt and reports the state to replicate. A nil
// corruption slice means the overlay is not reported this tick.
type Simulation interface {
	Step(dt time.Duration) ([]state.PlayerState, []state.CorruptionState)
}

// DemoSimulation walks players around a circle while a row of corrupted tiles
// spreads and deepens once per second.
type DemoSimulation struct {
	names   []string
	radius  float64
	elapsed time.Duration
}

const (
	demoMaxTiles = 8
	demoMaxLevel = 5
)

func NewDemoSimulation(names ...string) *DemoSimulation {
	if len(names) == 0 {
		names = []string{"host"}
	}
	return &DemoSimulation{names: append([]string(nil), names...), radius: 5}
}

func (s *DemoSimulation) Step(dt time.Duration) ([]state.PlayerState, []state.CorruptionState) {
	s.elapsed += dt
	t := s.elapsed.Seconds()

	players := make([]state.PlayerState, 0, len(s.names))
	for i, name := range s.names {
		phase := t + float64(i)*2*math.Pi/float64(len(s.names))
		vx := -math.Sin(phase) * s.radius
		players = append(players, state.PlayerState{
			ID:          name,
			X:           math.Cos(phase) * s.radius,
			Y:           math.Sin(phase) * s.radius,
			VelocityX:   vx,
			VelocityY:   math.Cos(phase) * s.radius,
			FacingRight: vx >= 0,
			Animation:   "run",
			Flags:       map[string]bool{"grounded": true},
		})
	}

	seconds := int(t)
	tiles := min(seconds, demoMaxTiles)
	corruption := make([]state.CorruptionState, 0, tiles)
	for x := 0; x < tiles; x++ {
		corruption = append(corruption, state.CorruptionState{
			TileX: x,
			TileY: 0,
			Level: min(seconds-x, demoMaxLevel),
		})
	}
	return players, corruption
}

func (s *DemoSimulation) String() string {
	return fmt.Sprintf("demo(%d players)", len(s.names))
}
