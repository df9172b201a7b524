// Package mqtt provides MQTT publishing and command subscription with
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/logic"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "irrigation/valve"

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventSleep       = "SLEEP"
	EventReconnected = "RECONNECTED"
)

// Topics are the per-device MQTT topics.
type Topics struct {
	Base      string
	Events    string
	Telemetry string
	System    string
}

// NewTopics builds the topics for a device under prefix.
func NewTopics(prefix, deviceID string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	base := strings.TrimSuffix(prefix, "/") + "/" + deviceID
	return Topics{
		Base:      base,
		Events:    base + "/events",
		Telemetry: base + "/telemetry",
		System:    base + "/system",
	}
}

// Command returns the topic a command is received on. Pass "+" to get the
// subscription wildcard.
func (t Topics) Command(name string) string {
	return t.Base + "/commands/" + name
}

// Response returns the topic a command response is published on.
func (t Topics) Response(name string) string {
	return t.Base + "/responses/" + name
}

// CommandName extracts the command name from a command topic.
func (t Topics) CommandName(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, t.Base+"/commands/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishEvent sends a valve state-changed event to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishEvent(event logic.Event) error

	// PublishTelemetry sends the periodic telemetry snapshot.
	PublishTelemetry(t Telemetry) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// PublishResponse sends the reply to a command.
	PublishResponse(name string, payload []byte) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// CommandSource delivers commands received from the broker.
type CommandSource interface {
	Commands() <-chan command.Request
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "SLEEP"
	Reason     string // e.g., "SIGTERM", "no flow for 11s"
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Telemetry is the snapshot published every telemetry interval.
type Telemetry struct {
	Timestamp time.Time
	logic.Telemetry

	// Flow is litres per minute; nil when no flow meter is fitted.
	Flow *float64
}

// Payload represents the MQTT message payload structure for valve events.
type Payload struct {
	Valve ValvePayload `json:"valve"`
}

// ValvePayload contains the valve event details.
type ValvePayload struct {
	Timestamp   string `json:"timestamp"`
	State       string `json:"state"`
	Value       int8   `json:"value"`
	Cause       string `json:"cause"`
	OverrideEnd string `json:"overrideEnd,omitempty"`
}

// FormatPayload creates the JSON payload for a valve event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Valve: ValvePayload{
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
			State:       event.State.String(),
			Value:       int8(event.State),
			Cause:       string(event.Cause),
			OverrideEnd: formatTime(event.OverrideEnd),
		},
	}
	return json.Marshal(payload)
}

// TelemetryPayload is the telemetry wire format.
type TelemetryPayload struct {
	Timestamp   string   `json:"timestamp"`
	Valve       int8     `json:"valve"`
	OverrideEnd string   `json:"overrideEnd,omitempty"`
	Mode        string   `json:"mode"`
	Flow        *float64 `json:"flow,omitempty"`
}

// FormatTelemetry creates the JSON payload for a telemetry snapshot.
func FormatTelemetry(t Telemetry) ([]byte, error) {
	return json.Marshal(TelemetryPayload{
		Timestamp:   t.Timestamp.UTC().Format(time.RFC3339),
		Valve:       int8(t.Valve),
		OverrideEnd: formatTime(t.OverrideEnd),
		Mode:        t.Mode.String(),
		Flow:        t.Flow,
	})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
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
