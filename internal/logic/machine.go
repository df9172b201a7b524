package logic

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotStarted is returned by Evaluate before Begin has been called.
var ErrNotStarted = errors.New("state machine not started")

// Actuator moves the physical valve. Apply may block for the duration of a
// motor pulse.
type Actuator interface {
	Apply(state ValveState) error
}

// Store keeps the last valve state across sleep/reset cycles. Load reports
// ok=false only when nothing has ever been written since power-up.
type Store interface {
	Save(state ValveState) error
	Load() (state ValveState, ok bool, err error)
}

// EventSink receives state-changed events.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(event).
func (f EventSinkFunc) Emit(event Event) { f(event) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Emit forwards the event to every sink.
func (m MultiSink) Emit(event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// Machine decides the valve state from the mode switch, any manual override
// and the schedule, in that order of precedence.
//
// Machine is not safe for concurrent use. All calls must come from one
// goroutine (or be serialized by the caller).
type Machine struct {
	actuator Actuator
	store    Store
	sink     EventSink

	schedule ScheduleSet
	override *Override
	mode     Mode
	current  ValveState
	counts   Counts
}

// NewMachine creates a machine in the UNKNOWN state. Call Begin before use.
func NewMachine(actuator Actuator, store Store, sink EventSink) *Machine {
	return &Machine{
		actuator: actuator,
		store:    store,
		sink:     sink,
		mode:     ModeAuto,
		current:  StateUnknown,
	}
}

// Begin restores the persisted state. A restored state is trusted without
// re-actuating (latching valves keep their position). On a cold start the
// valve is driven CLOSED once. A failed load is treated as a cold start; the
// load error is returned alongside any actuation error.
func (m *Machine) Begin(now time.Time) error {
	state, ok, err := m.store.Load()
	var loadErr error
	if err != nil {
		loadErr = fmt.Errorf("load persisted state: %w", err)
		ok = false
	}
	if ok && state.Valid() {
		m.current = state
		return nil
	}
	m.current = StateUnknown
	return errors.Join(loadErr, m.transitionTo(now, StateClosed, CauseBoot))
}

// SetSchedule replaces the schedule. It takes effect on the next Evaluate.
func (m *Machine) SetSchedule(windows ScheduleSet) {
	m.schedule = append(ScheduleSet(nil), windows...)
}

// Schedule returns a copy of the active schedule.
func (m *Machine) Schedule() ScheduleSet {
	return append(ScheduleSet(nil), m.schedule...)
}

// Override forces the valve to state until now+duration, replacing any
// earlier override. A non-positive duration means DefaultOverrideDuration.
// While the mode switch forces the valve the override is recorded but does
// not move it.
func (m *Machine) Override(now time.Time, state ValveState, duration time.Duration) error {
	if !state.Valid() {
		return ErrInvalidState
	}
	if duration <= 0 {
		duration = DefaultOverrideDuration
	}
	m.override = &Override{State: state, ExpiresAt: now.Add(duration)}
	m.counts.Overrides++
	if _, forced := m.mode.forcedState(); forced {
		return nil
	}
	return m.transitionTo(now, state, CauseOverride)
}

// Resume clears any override. The schedule takes over on the next Evaluate.
func (m *Machine) Resume() {
	if m.override != nil {
		m.override = nil
		m.counts.Resumes++
	}
}

// SetMode applies a mode switch reading. OPEN and CLOSED move the valve at
// once; AUTO hands control back to the override and schedule on the next
// Evaluate.
func (m *Machine) SetMode(now time.Time, mode Mode) error {
	switch mode {
	case ModeOpen, ModeClosed, ModeAuto:
	default:
		return ErrInvalidMode
	}
	if mode == m.mode {
		return nil
	}
	m.mode = mode
	if state, forced := mode.forcedState(); forced && m.current != StateUnknown {
		return m.transitionTo(now, state, CauseSwitch)
	}
	return nil
}

// Mode returns the current switch mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Evaluate runs one tick: expire the override if due, pick the desired
// state and transition if it differs from the current one.
func (m *Machine) Evaluate(now time.Time) error {
	if m.current == StateUnknown {
		return ErrNotStarted
	}
	if m.override != nil && m.override.Expired(now) {
		m.override = nil
	}
	desired, cause := m.desired(now)
	if desired == m.current {
		return nil
	}
	return m.transitionTo(now, desired, cause)
}

func (m *Machine) desired(now time.Time) (ValveState, Cause) {
	if state, forced := m.mode.forcedState(); forced {
		return state, CauseSwitch
	}
	if m.override != nil {
		return m.override.State, CauseOverride
	}
	if IsScheduled(m.schedule, now) {
		return StateOpen, CauseSchedule
	}
	return StateClosed, CauseSchedule
}

// transitionTo commits a new state: actuate, persist, then announce.
// Calling it with the current state does nothing. Collaborator failures are
// not retried; the state is committed regardless and the errors returned.
func (m *Machine) transitionTo(now time.Time, state ValveState, cause Cause) error {
	if state == m.current {
		return nil
	}
	m.current = state

	var errs []error
	if err := m.actuator.Apply(state); err != nil {
		errs = append(errs, fmt.Errorf("actuate %s: %w", state, err))
	}
	if err := m.store.Save(state); err != nil {
		errs = append(errs, fmt.Errorf("persist %s: %w", state, err))
	}

	switch state {
	case StateOpen:
		m.counts.Opened++
	case StateClosed:
		m.counts.Closed++
	}

	if m.sink != nil {
		m.sink.Emit(Event{
			Timestamp:   now,
			State:       state,
			Cause:       cause,
			OverrideEnd: m.overrideEnd(now),
		})
	}
	return errors.Join(errs...)
}

func (m *Machine) overrideEnd(now time.Time) *time.Time {
	if m.override == nil || m.override.Expired(now) {
		return nil
	}
	end := m.override.ExpiresAt
	return &end
}

// Current returns the committed valve state.
func (m *Machine) Current() ValveState {
	return m.current
}

// ActiveOverride returns the override if one is set and not yet expired.
func (m *Machine) ActiveOverride(now time.Time) (Override, bool) {
	if m.override == nil || m.override.Expired(now) {
		return Override{}, false
	}
	return *m.override, true
}

// Counts returns transition and command counters since startup.
func (m *Machine) Counts() Counts {
	return m.counts
}

// Telemetry returns the snapshot published each cycle.
func (m *Machine) Telemetry(now time.Time) Telemetry {
	return Telemetry{
		Valve:       m.current,
		OverrideEnd: m.overrideEnd(now),
		Mode:        m.mode,
	}
}

// NextWake returns the earliest instant after now at which Evaluate could
// choose a different state: the override expiry or the next schedule edge.
func (m *Machine) NextWake(now time.Time) (time.Time, bool) {
	next, ok := NextChange(m.schedule, now)
	if o, active := m.ActiveOverride(now); active {
		if !ok || o.ExpiresAt.Before(next) {
			return o.ExpiresAt, true
		}
	}
	return next, ok
}
