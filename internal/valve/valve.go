// Package valve turns valve state changes into driver movements.
package valve

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/valve-controller/internal/gpio"
	"github.com/sweeney/valve-controller/internal/logic"
)

// DefaultPulse is how long a latching valve is driven before the output
// stage is released.
const DefaultPulse = 250 * time.Millisecond

// Actuator kinds accepted by New.
const (
	KindPulse = "pulse"
	KindHold  = "hold"
	KindNone  = "none"
)

// ErrUnknownKind is returned by New for an unrecognised actuator kind.
var ErrUnknownKind = errors.New("valve: unknown actuator kind")

func drive(d gpio.Driver, state logic.ValveState) error {
	switch state {
	case logic.StateOpen:
		return d.Forward()
	case logic.StateClosed:
		return d.Reverse()
	default:
		return fmt.Errorf("drive %s: %w", state, logic.ErrInvalidState)
	}
}

// PulseActuator drives a latching solenoid or motorised valve: it drives
// in the requested direction for Pulse and then stops.
type PulseActuator struct {
	Driver gpio.Driver
	Pulse  time.Duration

	sleep func(time.Duration)
}

// NewPulseActuator creates a PulseActuator. A non-positive pulse uses
// DefaultPulse.
func NewPulseActuator(d gpio.Driver, pulse time.Duration) *PulseActuator {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &PulseActuator{Driver: d, Pulse: pulse, sleep: time.Sleep}
}

// Apply moves the valve to state. The driver is always stopped, even if
// the drive failed part way.
func (p *PulseActuator) Apply(state logic.ValveState) error {
	err := drive(p.Driver, state)
	if err == nil {
		p.sleep(p.Pulse)
	}
	if stopErr := p.Driver.Stop(); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("stop: %w", stopErr))
	}
	return err
}

// HoldActuator drives a relay-held valve and leaves it energised.
type HoldActuator struct {
	Driver gpio.Driver
}

// Apply moves the valve to state.
func (h *HoldActuator) Apply(state logic.ValveState) error {
	return drive(h.Driver, state)
}

// NopActuator accepts every state without touching hardware.
type NopActuator struct{}

// Apply does nothing.
func (NopActuator) Apply(logic.ValveState) error { return nil }

// New returns the actuator for kind. The driver may be nil for KindNone.
func New(kind string, d gpio.Driver, pulse time.Duration) (logic.Actuator, error) {
	switch kind {
	case KindPulse, "":
		if d == nil {
			return nil, errors.New("valve: pulse actuator needs a driver")
		}
		return NewPulseActuator(d, pulse), nil
	case KindHold:
		if d == nil {
			return nil, errors.New("valve: hold actuator needs a driver")
		}
		return &HoldActuator{Driver: d}, nil
	case KindNone:
		return NopActuator{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
