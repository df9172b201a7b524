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
	Valve         int8         `json:"valve"`
	ValveState    string       `json:"valve_state"`
	OverrideEnd   string       `json:"overrideEnd,omitempty"`
	Mode          string       `json:"mode"`
	Ready         bool         `json:"ready"`
	Schedule      []WindowJSON `json:"schedule"`
	NextChange    string       `json:"next_change,omitempty"`
	Flow          *float64     `json:"flow_lpm,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// WindowJSON is one schedule window in the set-schedule wire format.
type WindowJSON struct {
	Start    string `json:"start"`
	Period   int64  `json:"period"`
	Duration int64  `json:"duration"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of transition counts.
type CountsJSON struct {
	Opened    int `json:"opened"`
	Closed    int `json:"closed"`
	Overrides int `json:"overrides"`
	Resumes   int `json:"resumes"`
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
	DeviceID    string `json:"device_id"`
	TickMs      int64  `json:"tick_ms"`
	TelemetryMs int64  `json:"telemetry_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Store       string `json:"store"`
	Actuator    string `json:"actuator"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	schedule := make([]WindowJSON, 0, len(snap.Schedule))
	for _, w := range snap.Schedule {
		schedule = append(schedule, WindowJSON{
			Start:    w.Start.UTC().Format(time.RFC3339),
			Period:   int64(w.Period / time.Second),
			Duration: int64(w.Duration / time.Second),
		})
	}

	return StatusInner{
		Valve:         int8(snap.Valve),
		ValveState:    snap.Valve.String(),
		OverrideEnd:   formatTime(snap.OverrideEnd),
		Mode:          snap.Mode.String(),
		Ready:         snap.Started,
		Schedule:      schedule,
		NextChange:    formatTime(snap.NextChange),
		Flow:          snap.Flow,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Opened:    snap.Counts.Opened,
			Closed:    snap.Counts.Closed,
			Overrides: snap.Counts.Overrides,
			Resumes:   snap.Counts.Resumes,
		},
		Config: ConfigJSON{
			DeviceID:    snap.Config.DeviceID,
			TickMs:      snap.Config.TickMs,
			TelemetryMs: snap.Config.TelemetryMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Store:       snap.Config.Store,
			Actuator:    snap.Config.Actuator,
		},
	}
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
