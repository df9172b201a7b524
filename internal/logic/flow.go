package logic

import (
	"fmt"
	"time"
)

// Defaults taken from the flow-control firmware.
const (
	DefaultNoFlowTimeout = 10 * time.Second
	DefaultSleepPeriod   = time.Minute
)

// FlowMonitor watches the flow rate and advises a sleep once no water has
// moved for longer than the timeout.
type FlowMonitor struct {
	noFlowTimeout time.Duration
	sleepPeriod   time.Duration
	lastFlow      time.Time
	rate          float64
}

// NewFlowMonitor creates a monitor. A sleepPeriod <= 0 disables sleep advice.
func NewFlowMonitor(noFlowTimeout, sleepPeriod time.Duration, now time.Time) *FlowMonitor {
	if noFlowTimeout <= 0 {
		noFlowTimeout = DefaultNoFlowTimeout
	}
	return &FlowMonitor{
		noFlowTimeout: noFlowTimeout,
		sleepPeriod:   sleepPeriod,
		lastFlow:      now,
	}
}

// Observe records a flow rate sample in litres per minute. It returns a
// SleepRequest when the flow has been zero for longer than the timeout; the
// idle clock restarts after each request.
func (f *FlowMonitor) Observe(now time.Time, litresPerMinute float64) *SleepRequest {
	f.rate = litresPerMinute
	if litresPerMinute > 0 {
		f.lastFlow = now
		return nil
	}
	if f.sleepPeriod <= 0 {
		return nil
	}
	idle := now.Sub(f.lastFlow)
	if idle <= f.noFlowTimeout {
		return nil
	}
	f.lastFlow = now
	return &SleepRequest{
		At:       now,
		Duration: f.sleepPeriod,
		Reason:   fmt.Sprintf("no flow for %s", idle.Truncate(time.Second)),
	}
}

// Rate returns the last observed flow rate.
func (f *FlowMonitor) Rate() float64 {
	return f.rate
}

// Clamp shortens a sleep request so the device wakes no later than until.
// It returns nil when until is not after the request time.
func (r *SleepRequest) Clamp(until time.Time) *SleepRequest {
	if r == nil {
		return nil
	}
	if !until.After(r.At) {
		return nil
	}
	if d := until.Sub(r.At); d < r.Duration {
		c := *r
		c.Duration = d
		return &c
	}
	return r
}
