package mqtt

import (
	"sync"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/logic"
)

// Response is a recorded command response.
type Response struct {
	Name    string
	Payload []byte
}

// FakePublisher records published messages for test assertions and lets
// tests inject commands.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains all valve events that were published.
	Events []logic.Event

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// Telemetry contains all telemetry snapshots that were published.
	Telemetry []Telemetry

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// Responses contains all command responses that were published.
	Responses []Response

	// PublishError, if set, will be returned by PublishEvent and PublishTelemetry.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	commands chan command.Request
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{commands: make(chan command.Request, commandBacklog)}
}

// PublishEvent records the valve event.
func (f *FakePublisher) PublishEvent(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishTelemetry records the telemetry snapshot.
func (f *FakePublisher) PublishTelemetry(t Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Telemetry = append(f.Telemetry, t)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// PublishResponse records the command response.
func (f *FakePublisher) PublishResponse(name string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, Response{Name: name, Payload: payload})
	return nil
}

// Commands returns the channel fed by Inject.
func (f *FakePublisher) Commands() <-chan command.Request {
	return f.commands
}

// Inject queues a command as if it had arrived from the broker. The
// response is recorded in Responses.
func (f *FakePublisher) Inject(name string, payload []byte) {
	f.commands <- command.Request{
		Name:    name,
		Payload: payload,
		Source:  "mqtt",
		Reply: func(resp []byte, _ error) {
			f.PublishResponse(name, resp)
		},
	}
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SystemEventNames returns the names of the recorded system events in order.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}

// ResponsesSnapshot returns a copy of the recorded responses.
func (f *FakePublisher) ResponsesSnapshot() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.Responses...)
}

// EventsSnapshot returns a copy of the recorded valve events.
func (f *FakePublisher) EventsSnapshot() []logic.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.Event(nil), f.Events...)
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = nil
	f.Payloads = nil
	f.Telemetry = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Responses = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
