// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

// DefaultIdentifier is the device name used as the topic prefix and client ID.
const DefaultIdentifier = "gasmeter-ky025"

// TimestampLayout is the strftime layout of the lastHigh/lastLow payloads,
// e.g. "Sunday, March 26 2023 14:43:22".
const TimestampLayout = "%A, %B %d %Y %H:%M:%S"

// Payload values for the detection topics.
const (
	ValueTrue  = "TRUE"
	ValueFalse = "FALSE"
)

// Topics is the topic set for one device.
type Topics struct {
	HighDetected string
	LowDetected  string
	LastHigh     string
	LastLow      string
	Output       string
	System       string
}

// NewTopics builds the topic set under the given device identifier.
func NewTopics(identifier string) Topics {
	return Topics{
		HighDetected: identifier + "/highDetected",
		LowDetected:  identifier + "/lowDetected",
		LastHigh:     identifier + "/lastHigh",
		LastLow:      identifier + "/lastLow",
		Output:       identifier + "/output",
		System:       identifier + "/system",
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends the message set for a confirmed transition.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active and how
// many events are waiting for it.
type ConnectionStatus interface {
	IsConnected() bool
	Buffered() int
}

// Message is a single MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// FormatTimestamp renders t in loc using TimestampLayout.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return strftime.Format(TimestampLayout, t)
}

// EventMessages returns the messages for a confirmed transition, in publish
// order: timestamp first, then the two mutually exclusive detection flags.
func EventMessages(topics Topics, event logic.Event, loc *time.Location) []Message {
	ts := []byte(FormatTimestamp(event.Timestamp, loc))

	if event.Direction == logic.DirectionHigh {
		return []Message{
			{Topic: topics.LastHigh, Payload: ts},
			{Topic: topics.HighDetected, Payload: []byte(ValueTrue)},
			{Topic: topics.LowDetected, Payload: []byte(ValueFalse)},
		}
	}
	return []Message{
		{Topic: topics.LastLow, Payload: ts},
		{Topic: topics.LowDetected, Payload: []byte(ValueTrue)},
		{Topic: topics.HighDetected, Payload: []byte(ValueFalse)},
	}
}

// ParseCommand interprets a payload received on the output topic.
func ParseCommand(payload []byte) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, fmt.Errorf("unknown output command %q", payload)
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// willPayload is the last-will message the broker publishes if the
// connection drops without a clean disconnect.
func willPayload() []byte {
	data, _ := json.Marshal(SystemPayload{System: SystemPayloadInner{Event: "OFFLINE", Reason: "CONNECTION_LOST"}})
	return data
}
