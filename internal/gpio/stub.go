//go:build !linux

package gpio

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RelayDriver is not available on non-Linux platforms.
type RelayDriver struct{}

// NewRelayDriver returns an error on non-Linux platforms.
func NewRelayDriver(pinOpen, pinClose int) (*RelayDriver, error) {
	return nil, errUnsupported
}

func (r *RelayDriver) Forward() error { return errUnsupported }
func (r *RelayDriver) Reverse() error { return errUnsupported }
func (r *RelayDriver) Stop() error    { return errUnsupported }
func (r *RelayDriver) Close() error   { return nil }

// HBridgeDriver is not available on non-Linux platforms.
type HBridgeDriver struct{}

// NewHBridgeDriver returns an error on non-Linux platforms.
func NewHBridgeDriver(pins BridgePins) (*HBridgeDriver, error) {
	return nil, errUnsupported
}

func (h *HBridgeDriver) Forward() error { return errUnsupported }
func (h *HBridgeDriver) Reverse() error { return errUnsupported }
func (h *HBridgeDriver) Stop() error    { return errUnsupported }
func (h *HBridgeDriver) Close() error   { return nil }

// RealModeReader is not available on non-Linux platforms.
type RealModeReader struct{}

// NewRealModeReader returns an error on non-Linux platforms.
func NewRealModeReader(pinOpen, pinAuto, pinClosed int) (*RealModeReader, error) {
	return nil, errUnsupported
}

// Read is not implemented on non-Linux platforms.
func (r *RealModeReader) Read() (bool, bool, bool, error) {
	return false, false, false, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealModeReader) Close() error { return nil }

// RealFlowMeter is not available on non-Linux platforms.
type RealFlowMeter struct{}

// NewRealFlowMeter returns an error on non-Linux platforms.
func NewRealFlowMeter(pin int, qFactor float64, now time.Time) (*RealFlowMeter, error) {
	return nil, errUnsupported
}

// Rate always reports no flow on non-Linux platforms.
func (m *RealFlowMeter) Rate(time.Time) float64 { return 0 }

// Close is not implemented on non-Linux platforms.
func (m *RealFlowMeter) Close() error { return nil }
