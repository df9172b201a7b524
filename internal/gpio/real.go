//go:build linux

package gpio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// ChipName is the GPIO character device used on the Raspberry Pi.
const ChipName = "gpiochip0"

// RelayDriver drives a valve through a pair of relays (open coil, close
// coil). The relay boards are active low.
type RelayDriver struct {
	chip      *gpiocdev.Chip
	openLine  *gpiocdev.Line
	closeLine *gpiocdev.Line
}

// NewRelayDriver requests both relay lines with the relays released.
func NewRelayDriver(pinOpen, pinClose int) (*RelayDriver, error) {
	chip, err := gpiocdev.NewChip(ChipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	openLine, err := chip.RequestLine(pinOpen, gpiocdev.AsOutput(0), gpiocdev.AsActiveLow)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request open pin %d: %w", pinOpen, err)
	}

	closeLine, err := chip.RequestLine(pinClose, gpiocdev.AsOutput(0), gpiocdev.AsActiveLow)
	if err != nil {
		openLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request close pin %d: %w", pinClose, err)
	}

	return &RelayDriver{chip: chip, openLine: openLine, closeLine: closeLine}, nil
}

func (r *RelayDriver) set(openV, closeV int) error {
	// Release before energising so both coils are never driven together.
	if openV == 1 {
		if err := r.closeLine.SetValue(closeV); err != nil {
			return fmt.Errorf("set close relay: %w", err)
		}
		if err := r.openLine.SetValue(openV); err != nil {
			return fmt.Errorf("set open relay: %w", err)
		}
		return nil
	}
	if err := r.openLine.SetValue(openV); err != nil {
		return fmt.Errorf("set open relay: %w", err)
	}
	if err := r.closeLine.SetValue(closeV); err != nil {
		return fmt.Errorf("set close relay: %w", err)
	}
	return nil
}

// Forward energises the open relay.
func (r *RelayDriver) Forward() error { return r.set(1, 0) }

// Reverse energises the close relay.
func (r *RelayDriver) Reverse() error { return r.set(0, 1) }

// Stop releases both relays.
func (r *RelayDriver) Stop() error { return r.set(0, 0) }

// Close releases both relays and the GPIO resources.
func (r *RelayDriver) Close() error {
	var errs []error
	if err := r.Stop(); err != nil {
		errs = append(errs, err)
	}
	for name, l := range map[string]*gpiocdev.Line{"open": r.openLine, "close": r.closeLine} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// HBridgeDriver drives a DC motor valve through a DRV8801. Enable is driven
// fully on; the reduced PWM hold duty of the firmware is not replicated.
type HBridgeDriver struct {
	chip  *gpiocdev.Chip
	lines map[string]*gpiocdev.Line
}

// NewHBridgeDriver requests the bridge lines, leaving the bridge asleep.
func NewHBridgeDriver(pins BridgePins) (*HBridgeDriver, error) {
	chip, err := gpiocdev.NewChip(ChipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	h := &HBridgeDriver{chip: chip, lines: make(map[string]*gpiocdev.Line)}

	requests := []struct {
		name string
		pin  int
		opts []gpiocdev.LineReqOption
	}{
		{"enable", pins.Enable, []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}},
		{"phase", pins.Phase, []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}},
		{"sleep", pins.Sleep, []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}},
		{"mode1", pins.Mode1, []gpiocdev.LineReqOption{gpiocdev.AsOutput(1)}},
		{"mode2", pins.Mode2, []gpiocdev.LineReqOption{gpiocdev.AsOutput(1)}},
		// nFAULT is open drain, active low.
		{"fault", pins.Fault, []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow}},
	}
	for _, req := range requests {
		l, err := chip.RequestLine(req.pin, req.opts...)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", req.name, req.pin, err)
		}
		h.lines[req.name] = l
	}
	return h, nil
}

func (h *HBridgeDriver) drive(phase int) error {
	if v, err := h.lines["fault"].Value(); err == nil && v == 1 {
		return ErrFault
	}
	steps := []struct {
		name  string
		value int
	}{
		{"sleep", 1},
		{"phase", phase},
		{"enable", 1},
	}
	for _, s := range steps {
		if err := h.lines[s.name].SetValue(s.value); err != nil {
			return fmt.Errorf("set %s: %w", s.name, err)
		}
	}
	return nil
}

// Forward drives the motor in the opening direction.
func (h *HBridgeDriver) Forward() error { return h.drive(1) }

// Reverse drives the motor in the closing direction.
func (h *HBridgeDriver) Reverse() error { return h.drive(0) }

// Stop disables the bridge and puts it to sleep.
func (h *HBridgeDriver) Stop() error {
	if err := h.lines["enable"].SetValue(0); err != nil {
		return fmt.Errorf("set enable: %w", err)
	}
	if err := h.lines["sleep"].SetValue(0); err != nil {
		return fmt.Errorf("set sleep: %w", err)
	}
	return nil
}

// Close stops the bridge and releases GPIO resources.
func (h *HBridgeDriver) Close() error {
	var errs []error
	if h.lines["enable"] != nil && h.lines["sleep"] != nil {
		if err := h.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, l := range h.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if h.chip != nil {
		if err := h.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealModeReader reads the mode switch contacts.
type RealModeReader struct {
	chip   *gpiocdev.Chip
	open   *gpiocdev.Line
	auto   *gpiocdev.Line
	closed *gpiocdev.Line
}

// NewRealModeReader requests the three switch lines as pulled-up inputs.
func NewRealModeReader(pinOpen, pinAuto, pinClosed int) (*RealModeReader, error) {
	chip, err := gpiocdev.NewChip(ChipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	r := &RealModeReader{chip: chip}
	for _, req := range []struct {
		name string
		pin  int
		dst  **gpiocdev.Line
	}{
		{"open", pinOpen, &r.open},
		{"auto", pinAuto, &r.auto},
		{"closed", pinClosed, &r.closed},
	} {
		l, err := chip.RequestLine(req.pin, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", req.name, req.pin, err)
		}
		*req.dst = l
	}
	return r, nil
}

// Read returns which contacts are closed.
func (r *RealModeReader) Read() (bool, bool, bool, error) {
	open, err := r.open.Value()
	if err != nil {
		return false, false, false, fmt.Errorf("read open pin: %w", err)
	}
	auto, err := r.auto.Value()
	if err != nil {
		return false, false, false, fmt.Errorf("read auto pin: %w", err)
	}
	closed, err := r.closed.Value()
	if err != nil {
		return false, false, false, fmt.Errorf("read closed pin: %w", err)
	}
	// Lines are requested active low, so 1 means the contact pulls the pin down.
	return open == 1, auto == 1, closed == 1, nil
}

// Close releases GPIO resources.
func (r *RealModeReader) Close() error {
	var errs []error
	for _, l := range []*gpiocdev.Line{r.open, r.auto, r.closed} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealFlowMeter counts rising edges from a hall-effect flow sensor.
type RealFlowMeter struct {
	line    *gpiocdev.Line
	pulses  atomic.Uint64
	qFactor float64
	last    time.Time
}

// NewRealFlowMeter starts counting pulses on pin.
func NewRealFlowMeter(pin int, qFactor float64, now time.Time) (*RealFlowMeter, error) {
	if qFactor <= 0 {
		qFactor = DefaultQFactor
	}
	m := &RealFlowMeter{qFactor: qFactor, last: now}
	l, err := gpiocdev.RequestLine(ChipName, pin,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			m.pulses.Add(1)
		}))
	if err != nil {
		return nil, fmt.Errorf("request flow pin %d: %w", pin, err)
	}
	m.line = l
	return m, nil
}

// Rate returns litres per minute since the previous call.
func (m *RealFlowMeter) Rate(now time.Time) float64 {
	pulses := m.pulses.Swap(0)
	elapsed := now.Sub(m.last)
	m.last = now
	return flowRate(pulses, elapsed, m.qFactor)
}

// Close stops edge detection and releases the line.
func (m *RealFlowMeter) Close() error {
	if m.line == nil {
		return nil
	}
	return m.line.Close()
}
