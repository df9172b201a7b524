// Package command decodes remote commands and applies them to the valve
// state machine.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/valve-controller/internal/logic"
)

// maxOverrideSeconds is the longest override whose expiry still fits in a
// time.Duration. Longer requests are clamped to it.
const maxOverrideSeconds = int64(math.MaxInt64 / int64(time.Second))

// Command names.
const (
	NameOverride    = "override"
	NameSetSchedule = "set-schedule"
)

var (
	// ErrUnknownCommand is returned for a command name with no handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownState is returned when an override carries a state other
	// than -1, 0 or 1.
	ErrUnknownState = errors.New("unknown override state")
	// ErrMalformedRequest is returned when a payload cannot be decoded.
	ErrMalformedRequest = errors.New("malformed request")
)

// Names lists the commands the dispatcher handles, for subscription.
func Names() []string {
	return []string{NameOverride, NameSetSchedule}
}

// Machine is the part of logic.Machine the dispatcher drives.
type Machine interface {
	Override(now time.Time, state logic.ValveState, duration time.Duration) error
	Resume()
	SetSchedule(windows logic.ScheduleSet)
	Current() logic.ValveState
}

// Dispatcher routes commands by name. Like the machine it drives, it must
// be used from a single goroutine.
type Dispatcher struct {
	machine         Machine
	logger          *zap.SugaredLogger
	defaultOverride time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultOverride sets the override duration used when a request has
// none. Values under a second keep logic.DefaultOverrideDuration.
func WithDefaultOverride(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= time.Second {
			disp.defaultOverride = d
		}
	}
}

// NewDispatcher creates a Dispatcher. A nil logger discards output.
func NewDispatcher(m Machine, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		machine:         m,
		logger:          logger,
		defaultOverride: logic.DefaultOverrideDuration,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type overrideRequest struct {
	State    *json.Number `json:"state"`
	Duration *json.Number `json:"duration"`
}

// OverrideResponse is the reply to an override command.
type OverrideResponse struct {
	State    logic.ValveState `json:"state"`
	Duration *int64           `json:"duration,omitempty"`
}

// ScheduleResponse is the reply to a set-schedule command.
type ScheduleResponse struct {
	Windows  int      `json:"windows"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// ErrorResponse is the reply to a command that failed.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handle applies the named command and returns the JSON response. On error
// the response is an ErrorResponse and the machine is unchanged, except
// for collaborator failures during a transition, which the machine has
// already committed.
func (d *Dispatcher) Handle(now time.Time, name string, payload []byte) ([]byte, error) {
	var (
		resp any
		err  error
	)
	switch name {
	case NameOverride:
		resp, err = d.override(now, payload)
	case NameSetSchedule:
		resp, err = d.setSchedule(payload)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if err != nil {
		d.logger.Warnw("Command failed", "command", name, "error", err)
		if resp == nil {
			resp = ErrorResponse{Error: err.Error()}
		}
	}

	out, mErr := json.Marshal(resp)
	if mErr != nil {
		return nil, errors.Join(err, fmt.Errorf("encode response: %w", mErr))
	}
	return out, err
}

func (d *Dispatcher) override(now time.Time, payload []byte) (any, error) {
	var req overrideRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: decode override: %v", ErrMalformedRequest, err)
		}
	}

	if req.State == nil {
		return nil, fmt.Errorf("%w: missing state", ErrUnknownState)
	}
	raw, err := req.State.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, req.State.String())
	}

	state := logic.ValveState(raw)
	switch {
	case raw == 0:
		d.machine.Resume()
		d.logger.Infow("Override resumed")
		return OverrideResponse{State: d.machine.Current()}, nil
	case raw == -1 || raw == 1:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, raw)
	}

	defaultSecs := int64(d.defaultOverride / time.Second)
	secs := defaultSecs
	if req.Duration != nil {
		f, err := req.Duration.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: duration: %v", ErrMalformedRequest, err)
		}
		switch {
		case f >= float64(maxOverrideSeconds):
			secs = maxOverrideSeconds
		case f > 0:
			secs = int64(f)
		}
	}
	// Durations under one second select the default.
	if secs <= 0 {
		secs = defaultSecs
	}

	d.logger.Infow("Override", "state", state, "duration_s", secs)
	err = d.machine.Override(now, state, time.Duration(secs)*time.Second)
	// A collaborator failure still leaves the override in place.
	return OverrideResponse{State: d.machine.Current(), Duration: &secs}, err
}

func (d *Dispatcher) setSchedule(payload []byte) (any, error) {
	set, rejected, err := ParseSchedulePayload(payload)
	if err != nil {
		return nil, err
	}

	resp := ScheduleResponse{Windows: len(set), Rejected: len(rejected)}
	for _, r := range rejected {
		d.logger.Warnw("Schedule entry rejected", "error", r)
		resp.Errors = append(resp.Errors, r.Error())
	}
	d.machine.SetSchedule(set)
	d.logger.Infow("Schedule installed", "windows", len(set), "rejected", len(rejected))
	return resp, nil
}
