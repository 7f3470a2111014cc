// Package gpio provides GPIO access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"fmt"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

// Reader reads the reed sensor's digital output.
type Reader interface {
	// Read performs a single instantaneous read and returns the logical
	// level (HIGH = magnet present).
	Read() (logic.Level, error)

	// Close releases GPIO resources.
	Close() error
}

// Indicator drives the auxiliary output (an LED on the reference board).
type Indicator interface {
	Set(on bool) error
	Close() error
}

// Default pin definitions (line offsets on gpiochip0).
const (
	DefaultChip         = "gpiochip0"
	DefaultPinSensor    = 26 // KY-025 digital output
	DefaultPinIndicator = 13
)

// Bias selects the input line's internal pull resistor.
type Bias string

const (
	BiasNone     Bias = "none"
	BiasPullUp   Bias = "pull-up"
	BiasPullDown Bias = "pull-down"
)

// ParseBias converts a flag or env value into a Bias.
func ParseBias(s string) (Bias, error) {
	switch Bias(s) {
	case BiasNone, BiasPullUp, BiasPullDown:
		return Bias(s), nil
	case "":
		return BiasNone, nil
	}
	return "", fmt.Errorf("unknown bias %q (want none, pull-up or pull-down)", s)
}

// LevelFromRaw converts a raw line value into a logical level.
// With activeLow set, a raw 0 means the magnet is present.
func LevelFromRaw(raw int, activeLow bool) logic.Level {
	on := raw != 0
	if activeLow {
		on = !on
	}
	if on {
		return logic.High
	}
	return logic.Low
}
