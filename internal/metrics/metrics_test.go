package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/valve-controller/internal/logic"
)

func TestEmitCountsTransitions(t *testing.T) {
	r := NewRecorder()

	r.Emit(logic.Event{State: logic.StateOpen, Cause: logic.CauseSchedule})
	r.Emit(logic.Event{State: logic.StateClosed, Cause: logic.CauseSchedule})
	r.Emit(logic.Event{State: logic.StateOpen, Cause: logic.CauseOverride})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("OPEN", "schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("OPEN", "override")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("CLOSED", "schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.state))
}

func TestObserve(t *testing.T) {
	r := NewRecorder()
	end := time.Now().Add(time.Hour)

	r.Observe(logic.Telemetry{Valve: logic.StateOpen, OverrideEnd: &end, Mode: logic.ModeAuto}, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.overrideActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.windows))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.mode))

	r.Observe(logic.Telemetry{Valve: logic.StateClosed, Mode: logic.ModeClosed}, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.overrideActive))
	assert.Equal(t, -1.0, testutil.ToFloat64(r.state))
	assert.Equal(t, -1.0, testutil.ToFloat64(r.mode))
}

func TestCommandHandled(t *testing.T) {
	r := NewRecorder()

	r.CommandHandled("override", nil)
	r.CommandHandled("override", errors.New("bad state"))
	r.CommandHandled("override", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.commands.WithLabelValues("override", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("override", ResultError)))
}

type stubActuator struct{ err error }

func (s stubActuator) Apply(logic.ValveState) error { return s.err }

func TestInstrumentActuator(t *testing.T) {
	r := NewRecorder()
	fault := errors.New("fault")

	a := r.InstrumentActuator(stubActuator{err: fault})
	assert.ErrorIs(t, a.Apply(logic.StateOpen), fault)
	assert.Equal(t, 1, testutil.CollectAndCount(r.actuation))
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.SetFlow(2.5)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "valve_flow_litres_per_minute 2.5"))
	assert.Contains(t, string(body), "go_goroutines")
}
