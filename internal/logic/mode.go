package logic

import "fmt"

// Mode is the position of the physical mode switch.
type Mode int8

const (
	// ModeInitialized means no switch reading has been taken yet.
	ModeInitialized Mode = -100
	// ModeClosed forces the valve closed; remote commands do not move it.
	ModeClosed Mode = -1
	// ModeAuto leaves the valve to overrides and the schedule.
	ModeAuto Mode = 0
	// ModeOpen forces the valve open; remote commands do not move it.
	ModeOpen Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeInitialized:
		return "INITIALIZED"
	case ModeClosed:
		return "CLOSED"
	case ModeAuto:
		return "AUTO"
	case ModeOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("Mode(%d)", int8(m))
	}
}

// forcedState returns the valve state the switch forces, if any.
func (m Mode) forcedState() (ValveState, bool) {
	switch m {
	case ModeOpen:
		return StateOpen, true
	case ModeClosed:
		return StateClosed, true
	}
	return StateUnknown, false
}

// ResolveMode turns the three switch contacts (true = contact closed) into a
// mode. When no contact is closed the previous mode is kept, or CLOSED if
// there has never been a valid reading.
func ResolveMode(open, auto, closed bool, previous Mode) Mode {
	switch {
	case open:
		return ModeOpen
	case closed:
		return ModeClosed
	case auto:
		return ModeAuto
	}
	if previous == ModeInitialized {
		return ModeClosed
	}
	return previous
}
