package gpio

import (
	"errors"
	"sync"
	"time"
)

// FakeDriver records driver calls for test assertions.
type FakeDriver struct {
	mu sync.Mutex

	// Calls lists the calls in order: "forward", "reverse", "stop".
	Calls []string

	// DriveError, if set, will be returned by Forward and Reverse.
	DriveError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDriver creates a FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (f *FakeDriver) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()
}

// Forward records a forward drive.
func (f *FakeDriver) Forward() error {
	if f.DriveError != nil {
		return f.DriveError
	}
	f.record("forward")
	return nil
}

// Reverse records a reverse drive.
func (f *FakeDriver) Reverse() error {
	if f.DriveError != nil {
		return f.DriveError
	}
	f.record("reverse")
	return nil
}

// Stop records a stop.
func (f *FakeDriver) Stop() error {
	f.record("stop")
	return nil
}

// Close marks the driver as closed.
func (f *FakeDriver) Close() error {
	f.Closed = true
	return nil
}

// CallsSnapshot returns a copy of the recorded calls.
func (f *FakeDriver) CallsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Contacts is a single mode switch reading.
type Contacts struct {
	Open   bool
	Auto   bool
	Closed bool
}

// FakeModeReader is a test double that returns scripted switch readings.
type FakeModeReader struct {
	// Samples contains scripted readings. Each call to Read() consumes the
	// next sample; the last one repeats once exhausted.
	Samples []Contacts

	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeModeReader creates a FakeModeReader with the given samples.
func NewFakeModeReader(samples []Contacts) *FakeModeReader {
	return &FakeModeReader{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeModeReader) Read() (bool, bool, bool, error) {
	if f.ReadError != nil {
		return false, false, false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, false, false, errors.New("no samples configured")
	}

	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s.Open, s.Auto, s.Closed, nil
}

// Close marks the reader as closed.
func (f *FakeModeReader) Close() error {
	f.Closed = true
	return nil
}

// FakeFlowMeter returns scripted flow rates.
type FakeFlowMeter struct {
	// Rates contains scripted values; the last one repeats once exhausted.
	// An empty script reads as no flow.
	Rates []float64

	index  int
	Closed bool
}

// NewFakeFlowMeter creates a FakeFlowMeter with the given rates.
func NewFakeFlowMeter(rates ...float64) *FakeFlowMeter {
	return &FakeFlowMeter{Rates: rates}
}

// Rate returns the next scripted rate.
func (f *FakeFlowMeter) Rate(time.Time) float64 {
	if len(f.Rates) == 0 {
		return 0
	}
	r := f.Rates[f.index]
	if f.index < len(f.Rates)-1 {
		f.index++
	}
	return r
}

// Close marks the meter as closed.
func (f *FakeFlowMeter) Close() error {
	f.Closed = true
	return nil
}
