// Package gpio provides valve drivers, the mode switch and the flow meter
// with hardware abstraction.
// The real implementations use the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

import (
	"errors"
	"time"
)

// Driver moves a valve motor or solenoid. Forward opens, Reverse closes,
// Stop de-energises the output stage.
type Driver interface {
	Forward() error
	Reverse() error
	Stop() error

	// Close releases GPIO resources, leaving the output stage off.
	Close() error
}

// ModeReader reads the three-position mode switch.
type ModeReader interface {
	// Read returns which contacts are closed (true = closed).
	// The raw lines are active low: a closed contact pulls the pin down.
	Read() (open, auto, closed bool, err error)

	// Close releases GPIO resources.
	Close() error
}

// FlowMeter reports the flow rate measured by a pulse-output meter.
type FlowMeter interface {
	// Rate returns litres per minute averaged since the previous call.
	Rate(now time.Time) float64

	// Close releases GPIO resources.
	Close() error
}

// ErrFault is returned when the motor driver reports a fault.
var ErrFault = errors.New("gpio: driver fault")

// Default pin definitions (BCM numbering)
const (
	DefaultPinRelayOpen  = 17
	DefaultPinRelayClose = 27

	DefaultPinBridgeEnable = 10
	DefaultPinBridgePhase  = 11
	DefaultPinBridgeFault  = 12
	DefaultPinBridgeSleep  = 13
	DefaultPinBridgeMode1  = 14
	DefaultPinBridgeMode2  = 15

	DefaultPinModeOpen   = 5
	DefaultPinModeAuto   = 6
	DefaultPinModeClosed = 19

	DefaultPinFlow = 22
)

// BridgePins are the DRV8801 H-bridge connections.
type BridgePins struct {
	Enable, Phase, Fault, Sleep, Mode1, Mode2 int
}

// DefaultBridgePins returns the mk4 board wiring.
func DefaultBridgePins() BridgePins {
	return BridgePins{
		Enable: DefaultPinBridgeEnable,
		Phase:  DefaultPinBridgePhase,
		Fault:  DefaultPinBridgeFault,
		Sleep:  DefaultPinBridgeSleep,
		Mode1:  DefaultPinBridgeMode1,
		Mode2:  DefaultPinBridgeMode2,
	}
}

// DefaultQFactor is the pulse frequency (Hz) per litre/minute of the stock meter.
const DefaultQFactor = 5.0

// flowRate converts a pulse count over an interval into litres per minute.
func flowRate(pulses uint64, elapsed time.Duration, qFactor float64) float64 {
	if elapsed <= 0 || qFactor <= 0 {
		return 0
	}
	hz := float64(pulses) / elapsed.Seconds()
	return hz / qFactor
}
