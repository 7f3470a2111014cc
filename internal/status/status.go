// Package status provides a thread-safe status tracker for the gasmeter-sensor daemon.
// It is read by the HTTP handlers and by the MQTT lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HighCeiling int
	LowCeiling  int
	HeartbeatMs int64
	Broker      string
	Identifier  string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Level         logic.Level // last raw sample, empty before the first read
	Debounce      logic.State
	Counts        logic.EventCounts
	LastHigh      time.Time
	LastLow       time.Time
	Samples       int64
	ReadErrors    int64
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTBuffered  int // events queued for the next reconnect
	IndicatorOn   bool
	Network       *NetworkInfo
	Config        Config

	// Journal holds the all-time counts from the event journal, nil when
	// journalling is off.
	Journal *logic.EventCounts
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(clock clockwork.Clock, startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		clock: clock,
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records a successful sample and the resulting debounce state.
// Called from the tick loop on every tick.
func (t *Tracker) Update(level logic.Level, st logic.State, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Level = level
	t.snap.Debounce = st
	t.snap.Counts = counts
	t.snap.Samples++
	t.mu.Unlock()
}

// RecordEvent stores the time of the latest event in its direction.
func (t *Tracker) RecordEvent(e logic.Event) {
	t.mu.Lock()
	switch e.Direction {
	case logic.DirectionHigh:
		t.snap.LastHigh = e.Timestamp
	case logic.DirectionLow:
		t.snap.LastLow = e.Timestamp
	}
	t.mu.Unlock()
}

// RecordReadError counts a failed sensor read.
func (t *Tracker) RecordReadError() {
	t.mu.Lock()
	t.snap.ReadErrors++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetMQTTBuffered records how many events are waiting for the broker.
func (t *Tracker) SetMQTTBuffered(n int) {
	t.mu.Lock()
	t.snap.MQTTBuffered = n
	t.mu.Unlock()
}

// SetJournalCounts records the journal's all-time event counts.
func (t *Tracker) SetJournalCounts(c logic.EventCounts) {
	t.mu.Lock()
	t.snap.Journal = &c
	t.mu.Unlock()
}

// SetIndicator records the auxiliary output state.
func (t *Tracker) SetIndicator(on bool) {
	t.mu.Lock()
	t.snap.IndicatorOn = on
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Journal != nil {
		c := *s.Journal
		s.Journal = &c
	}
	t.mu.RUnlock()
	s.Now = t.clock.Now()
	return s
}
