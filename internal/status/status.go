// Package status provides a thread-safe status tracker for the valve-controller daemon.
// It is written by the run loop and read by HTTP handlers and system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/valve-controller/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
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
	DeviceID    string
	TickMs      int64
	TelemetryMs int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Store       string
	Actuator    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Valve         logic.ValveState
	OverrideEnd   *time.Time
	Mode          logic.Mode
	Schedule      logic.ScheduleSet
	NextChange    *time.Time
	Flow          *float64
	Counts        logic.Counts
	Started       bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Mode:      logic.ModeInitialized,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the machine's view after a tick or command.
// The schedule is copied.
func (t *Tracker) Update(tel logic.Telemetry, schedule logic.ScheduleSet, next *time.Time, counts logic.Counts) {
	sched := append(logic.ScheduleSet(nil), schedule...)
	t.mu.Lock()
	t.snap.Valve = tel.Valve
	t.snap.OverrideEnd = tel.OverrideEnd
	t.snap.Mode = tel.Mode
	t.snap.Schedule = sched
	t.snap.NextChange = next
	t.snap.Counts = counts
	t.snap.Started = tel.Valve != logic.StateUnknown
	t.mu.Unlock()
}

// SetFlow sets the latest flow reading in litres per minute.
func (t *Tracker) SetFlow(litresPerMinute float64) {
	t.mu.Lock()
	t.snap.Flow = &litresPerMinute
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
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
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
