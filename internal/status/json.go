package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Level         string       `json:"level"`
	Debounce      DebounceJSON `json:"debounce"`
	LastHigh      string       `json:"last_high,omitempty"`
	LastLow       string       `json:"last_low,omitempty"`
	Samples       int64        `json:"samples"`
	ReadErrors    int64        `json:"read_errors"`
	IndicatorOn   bool         `json:"indicator_on"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Journal       *CountsJSON  `json:"journal_counts,omitempty"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// DebounceJSON is the JSON representation of the debounce counters.
type DebounceJSON struct {
	HighCount       int  `json:"high_count"`
	LowCount        int  `json:"low_count"`
	StableHighSeen  bool `json:"stable_high_seen"`
	PendingFollowUp bool `json:"pending_follow_up"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Buffered  int    `json:"buffered"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	High int `json:"high"`
	Low  int `json:"low"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HighCeiling int    `json:"high_ceiling"`
	LowCeiling  int    `json:"low_ceiling"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	Identifier  string `json:"identifier"`
	HTTPAddr    string `json:"http_addr"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	level := string(snap.Level)
	if level == "" {
		level = "UNKNOWN"
	}

	inner := StatusInner{
		Level: level,
		Debounce: DebounceJSON{
			HighCount:       snap.Debounce.HighCount,
			LowCount:        snap.Debounce.LowCount,
			StableHighSeen:  snap.Debounce.StableHighSeen,
			PendingFollowUp: snap.Debounce.PendingFollowUp,
		},
		LastHigh:      formatTime(snap.LastHigh),
		LastLow:       formatTime(snap.LastLow),
		Samples:       snap.Samples,
		ReadErrors:    snap.ReadErrors,
		IndicatorOn:   snap.IndicatorOn,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Buffered: snap.MQTTBuffered, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			High: snap.Counts.High,
			Low:  snap.Counts.Low,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HighCeiling: snap.Config.HighCeiling,
			LowCeiling:  snap.Config.LowCeiling,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			Identifier:  snap.Config.Identifier,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if snap.Journal != nil {
		inner.Journal = &CountsJSON{High: snap.Journal.High, Low: snap.Journal.Low}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
