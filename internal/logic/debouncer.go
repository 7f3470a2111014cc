package logic

import "time"

// Step advances the debounce automaton by one tick. It is a pure function:
// identical (state, sample, cfg) always yields identical results. It returns
// the next state and the direction of the confirmed transition, if any.
func Step(s State, sample Level, cfg Config) (State, *Direction) {
	// A confirmed HIGH is always followed one tick later by the LOW report,
	// regardless of what the sensor reads now.
	if s.PendingFollowUp {
		s.PendingFollowUp = false
		d := DirectionLow
		return s, &d
	}

	if sample == High {
		prev := s.HighCount
		s.HighCount = saturatingInc(s.HighCount, cfg.HighCeiling)
		// Compared before the increment: the ceiling must already have been
		// reached, so HighCeiling+1 HIGH samples are needed.
		if prev >= cfg.HighCeiling {
			s.StableHighSeen = true
			s.LowCount = 0
		}
	} else {
		s.LowCount = saturatingInc(s.LowCount, cfg.LowCeiling)
	}

	if s.LowCount >= cfg.LowCeiling && s.StableHighSeen && s.HighCount >= cfg.HighCeiling {
		s = State{PendingFollowUp: true}
		d := DirectionHigh
		return s, &d
	}

	return s, nil
}

func saturatingInc(v, ceiling int) int {
	if v >= ceiling {
		return ceiling
	}
	return v + 1
}

// Debouncer owns the debounce state for one sensor and turns raw samples
// into confirmed transition events.
type Debouncer struct {
	cfg           Config
	state         State
	startTime     time.Time
	eventCounts   EventCounts
	lastHeartbeat time.Time
}

// NewDebouncer creates a debouncer with the given thresholds.
// The startTime is used for calculating uptime in heartbeat events.
func NewDebouncer(cfg Config, startTime time.Time) *Debouncer {
	return &Debouncer{
		cfg:           cfg,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Tick consumes one raw sample and returns the event to report, if any.
// At most one event is produced per call.
func (d *Debouncer) Tick(sample Level, now time.Time) *Event {
	next, dir := Step(d.state, sample, d.cfg)
	d.state = next
	if dir == nil {
		return nil
	}

	switch *dir {
	case DirectionHigh:
		d.eventCounts.High++
	case DirectionLow:
		d.eventCounts.Low++
	}

	return &Event{Timestamp: now, Direction: *dir}
}

// State returns a copy of the current debounce state.
func (d *Debouncer) State() State {
	return d.state
}

// Config returns the thresholds the debouncer was built with.
func (d *Debouncer) Config() Config {
	return d.cfg
}

// EventCountsSnapshot returns the number of events emitted so far.
func (d *Debouncer) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (d *Debouncer) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
