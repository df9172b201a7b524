// Package logic contains the pure decision core of the valve controller.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"time"
)

// ValveState is the encoded valve position. The numeric values are the wire
// encoding used by commands, telemetry and persistence.
type ValveState int8

const (
	StateClosed  ValveState = -1
	StateUnknown ValveState = 0
	StateOpen    ValveState = 1
)

func (s ValveState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("ValveState(%d)", int8(s))
	}
}

// Valid reports whether s is a steady-state value (OPEN or CLOSED).
func (s ValveState) Valid() bool {
	return s == StateOpen || s == StateClosed
}

// DefaultOverrideDuration applies when an override request carries no duration.
const DefaultOverrideDuration = time.Hour

var (
	ErrInvalidState     = errors.New("valve state must be OPEN or CLOSED")
	ErrInvalidPeriod    = errors.New("schedule period must be positive")
	ErrNegativeDuration = errors.New("schedule duration must not be negative")
	ErrInvalidMode      = errors.New("unknown switch mode")
)

// ScheduleWindow is a recurring watering window of length Duration that
// repeats every Period, first occurring at Start.
type ScheduleWindow struct {
	Start    time.Time
	Period   time.Duration
	Duration time.Duration
}

// NewScheduleWindow validates and returns a window.
// Duration may exceed Period, in which case the window is always on once started.
func NewScheduleWindow(start time.Time, period, duration time.Duration) (ScheduleWindow, error) {
	if period <= 0 {
		return ScheduleWindow{}, ErrInvalidPeriod
	}
	if duration < 0 {
		return ScheduleWindow{}, ErrNegativeDuration
	}
	return ScheduleWindow{Start: start, Period: period, Duration: duration}, nil
}

// ScheduleSet is an unordered collection of windows combined with OR.
type ScheduleSet []ScheduleWindow

// Override is a time-bounded manual forcing of the valve state.
type Override struct {
	State     ValveState
	ExpiresAt time.Time
}

// Expired reports whether the override no longer applies at now.
func (o Override) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Cause explains why a transition happened.
type Cause string

const (
	CauseBoot     Cause = "boot"
	CauseSchedule Cause = "schedule"
	CauseOverride Cause = "override"
	CauseSwitch   Cause = "switch"
)

// Event is emitted once per state transition.
type Event struct {
	Timestamp time.Time
	State     ValveState
	Cause     Cause
	// OverrideEnd is set while an override is active.
	OverrideEnd *time.Time
}

// Counts tracks transitions and commands since startup.
type Counts struct {
	Opened    int
	Closed    int
	Overrides int
	Resumes   int
}

// Telemetry is the snapshot pulled by the publisher each cycle.
type Telemetry struct {
	Valve       ValveState
	OverrideEnd *time.Time
	Mode        Mode
}

// SleepRequest advises the caller that the device may suspend. The core never
// sleeps by itself.
type SleepRequest struct {
	At       time.Time
	Duration time.Duration
	Reason   string
}
