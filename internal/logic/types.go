// Package logic contains the pure debounce logic for the gas-meter reed sensor.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// Level is a single raw reading of the sensor's digital output.
type Level string

const (
	High Level = "HIGH" // magnet present
	Low  Level = "LOW"  // magnet absent
)

// Direction is the direction of a confirmed transition.
type Direction string

const (
	DirectionHigh Direction = "HIGH"
	DirectionLow  Direction = "LOW"
)

// Event represents a confirmed transition to be reported.
type Event struct {
	Timestamp time.Time
	Direction Direction
}

// Default calibration values.
const (
	DefaultHighCeiling = 4
	DefaultLowCeiling  = 8
)

// Config holds the confirmation thresholds. Both are hardware-specific
// calibration values.
type Config struct {
	// HighCeiling is the saturation point of the HIGH counter. A HIGH sample
	// arriving while the counter already sits at the ceiling marks the high
	// phase as stable.
	HighCeiling int
	// LowCeiling is the number of LOW samples (accumulated, not necessarily
	// consecutive) needed after a stable high phase to confirm a transition.
	LowCeiling int
}

// DefaultConfig returns the calibration used by the reference hardware.
func DefaultConfig() Config {
	return Config{HighCeiling: DefaultHighCeiling, LowCeiling: DefaultLowCeiling}
}

// Validate rejects ceilings that can never be reached.
func (c Config) Validate() error {
	if c.HighCeiling < 1 {
		return fmt.Errorf("high ceiling must be >= 1, got %d", c.HighCeiling)
	}
	if c.LowCeiling < 1 {
		return fmt.Errorf("low ceiling must be >= 1, got %d", c.LowCeiling)
	}
	return nil
}

// State is the complete cross-tick debounce state. The zero value is the
// initial state.
type State struct {
	HighCount       int
	LowCount        int
	StableHighSeen  bool
	PendingFollowUp bool
}

// EventCounts tracks the number of each event direction since startup.
type EventCounts struct {
	High int
	Low  int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
