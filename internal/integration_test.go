package internal

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/gpio"
	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/metrics"
	"github.com/sweeney/valve-controller/internal/mqtt"
	"github.com/sweeney/valve-controller/internal/persist"
	"github.com/sweeney/valve-controller/internal/status"
	"github.com/sweeney/valve-controller/internal/valve"
	"github.com/sweeney/valve-controller/internal/web"
)

var day = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

// publishSink sends every transition to the fake broker.
func publishSink(t *testing.T, pub *mqtt.FakePublisher) logic.EventSink {
	return logic.EventSinkFunc(func(e logic.Event) {
		if err := pub.PublishEvent(e); err != nil {
			t.Logf("publish error: %v", err)
		}
	})
}

// TestIntegrationScheduledDay runs a day of one-minute ticks through a
// pulse actuator, the file store and the fake broker.
func TestIntegrationScheduledDay(t *testing.T) {
	driver := gpio.NewFakeDriver()
	actuator := valve.NewPulseActuator(driver, time.Millisecond)
	store, err := persist.NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	pub := mqtt.NewFakePublisher()
	recorder := metrics.NewRecorder()

	m := logic.NewMachine(recorder.InstrumentActuator(actuator), store, logic.MultiSink{publishSink(t, pub), recorder})
	if err := m.Begin(day); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Morning and evening windows.
	m.SetSchedule(logic.ScheduleSet{
		{Start: day.Add(6 * time.Hour), Period: 24 * time.Hour, Duration: 30 * time.Minute},
		{Start: day.Add(18 * time.Hour), Period: 24 * time.Hour, Duration: 15 * time.Minute},
	})

	disp := command.NewDispatcher(m, nil)
	for now := day; now.Before(day.Add(24 * time.Hour)); now = now.Add(time.Minute) {
		// A manual 20-minute watering at noon.
		if now.Equal(day.Add(12 * time.Hour)) {
			if _, err := disp.Handle(now, command.NameOverride, []byte(`{"state":1,"duration":1200}`)); err != nil {
				t.Fatalf("override: %v", err)
			}
		}
		if err := m.Evaluate(now); err != nil {
			t.Fatalf("evaluate at %s: %v", now, err)
		}
	}

	type step struct {
		at    time.Duration
		state logic.ValveState
		cause logic.Cause
	}
	want := []step{
		{0, logic.StateClosed, logic.CauseBoot},
		{6 * time.Hour, logic.StateOpen, logic.CauseSchedule},
		{6*time.Hour + 30*time.Minute, logic.StateClosed, logic.CauseSchedule},
		{12 * time.Hour, logic.StateOpen, logic.CauseOverride},
		{12*time.Hour + 20*time.Minute, logic.StateClosed, logic.CauseSchedule},
		{18 * time.Hour, logic.StateOpen, logic.CauseSchedule},
		{18*time.Hour + 15*time.Minute, logic.StateClosed, logic.CauseSchedule},
	}
	events := pub.EventsSnapshot()
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, w := range want {
		e := events[i]
		if !e.Timestamp.Equal(day.Add(w.at)) || e.State != w.state || e.Cause != w.cause {
			t.Errorf("event %d: got %s %s/%s, want %s %s/%s", i,
				e.Timestamp.Format("15:04"), e.State, e.Cause,
				day.Add(w.at).Format("15:04"), w.state, w.cause)
		}
	}

	// Every transition pulses the driver and then stops it.
	calls := driver.CallsSnapshot()
	if len(calls) != 2*len(want) {
		t.Fatalf("expected %d driver calls, got %d: %v", 2*len(want), len(calls), calls)
	}
	for i := 1; i < len(calls); i += 2 {
		if calls[i] != "stop" {
			t.Errorf("call %d: expected stop, got %s", i, calls[i])
		}
	}

	state, ok, err := store.Load()
	if err != nil || !ok || state != logic.StateClosed {
		t.Errorf("persisted state: got %s ok=%v err=%v", state, ok, err)
	}

	counts := m.Counts()
	if counts.Opened != 3 || counts.Closed != 4 || counts.Overrides != 1 {
		t.Errorf("counts: got %+v", counts)
	}

	var payload map[string]map[string]any
	if err := json.Unmarshal(pub.Payloads[3], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["valve"]["cause"] != "override" || payload["valve"]["overrideEnd"] != "2026-05-01T12:20:00Z" {
		t.Errorf("override payload: %v", payload)
	}
}

// TestIntegrationRestartAndPowerLoss checks the retained state across a
// process restart and its loss on reboot.
func TestIntegrationRestartAndPowerLoss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "state")
	open := func() *persist.FileStore {
		s, err := persist.NewFileStore(path)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	driver := gpio.NewFakeDriver()
	m := logic.NewMachine(&valve.HoldActuator{Driver: driver}, open(), nil)
	if err := m.Begin(day); err != nil {
		t.Fatal(err)
	}
	if err := m.Override(day, logic.StateOpen, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Restart: the valve position is trusted, nothing is driven.
	driver = gpio.NewFakeDriver()
	m = logic.NewMachine(&valve.HoldActuator{Driver: driver}, open(), nil)
	if err := m.Begin(day.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if m.Current() != logic.StateOpen {
		t.Errorf("after restart: got %s, want OPEN", m.Current())
	}
	if calls := driver.CallsSnapshot(); len(calls) != 0 {
		t.Errorf("restart must not drive the valve, got %v", calls)
	}

	// Reboot wipes tmpfs: cold start closes the valve.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	driver = gpio.NewFakeDriver()
	m = logic.NewMachine(&valve.HoldActuator{Driver: driver}, open(), nil)
	if err := m.Begin(day.Add(2 * time.Minute)); err != nil {
		t.Fatal(err)
	}
	if m.Current() != logic.StateClosed {
		t.Errorf("after power loss: got %s, want CLOSED", m.Current())
	}
	if got := strings.Join(driver.CallsSnapshot(), ","); got != "reverse" {
		t.Errorf("cold start drive: got %s", got)
	}
}

// TestIntegrationCorruptStateIsColdStart treats an unreadable record as
// nothing persisted.
func TestIntegrationCorruptStateIsColdStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := persist.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	driver := gpio.NewFakeDriver()
	m := logic.NewMachine(&valve.HoldActuator{Driver: driver}, store, nil)
	if err := m.Begin(day); err == nil {
		t.Error("expected the load error to be reported")
	}
	if m.Current() != logic.StateClosed {
		t.Errorf("got %s, want CLOSED", m.Current())
	}
	state, ok, err := store.Load()
	if err != nil || !ok || state != logic.StateClosed {
		t.Errorf("cold start should rewrite the record: %s ok=%v err=%v", state, ok, err)
	}
}

// TestIntegrationRedisRestart restores the valve from a gateway redis.
func TestIntegrationRedisRestart(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	newStore := func() persist.Store {
		s, err := persist.Open(persist.Options{Type: persist.TypeRedis, RedisAddr: mr.Addr(), RedisKey: "valve:garden"})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}

	m := logic.NewMachine(valve.NopActuator{}, newStore(), nil)
	if err := m.Begin(day); err != nil {
		t.Fatal(err)
	}
	if err := m.Override(day, logic.StateOpen, time.Hour); err != nil {
		t.Fatal(err)
	}

	m = logic.NewMachine(valve.NopActuator{}, newStore(), nil)
	if err := m.Begin(day.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if m.Current() != logic.StateOpen {
		t.Errorf("got %s, want OPEN", m.Current())
	}
}

// TestIntegrationHTTPCommands sends commands over HTTP into a queue served
// by a single goroutine, the way the daemon does.
func TestIntegrationHTTPCommands(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	recorder := metrics.NewRecorder()
	m := logic.NewMachine(valve.NopActuator{}, persist.NewMemoryStore(), logic.MultiSink{publishSink(t, pub), recorder})
	if err := m.Begin(day); err != nil {
		t.Fatal(err)
	}
	disp := command.NewDispatcher(m, nil)
	tracker := status.NewTracker(day, status.Config{DeviceID: "garden"})

	queue := make(chan command.Request)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for req := range queue {
			now := day.Add(time.Hour)
			resp, err := disp.Handle(now, req.Name, req.Payload)
			recorder.CommandHandled(req.Name, err)
			tracker.Update(m.Telemetry(now), m.Schedule(), nil, m.Counts())
			req.Respond(resp, err)
		}
	}()
	defer func() {
		close(queue)
		<-done
	}()

	srv := web.New(":0", tracker, web.WithCommands(queue), web.WithMetrics(recorder.Handler()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	post := func(name, body string) (int, string) {
		t.Helper()
		resp, err := http.Post(ts.URL+"/api/commands/"+name, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", name, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := post(command.NameSetSchedule, `[
		{"start": "2026-05-01T06:00:00Z", "period": 86400, "duration": 1800},
		{"start": "2026-05-01T18:00:00Z", "period": 0, "duration": 900}
	]`)
	if code != http.StatusOK {
		t.Fatalf("set-schedule: status %d: %s", code, body)
	}
	var sr command.ScheduleResponse
	if err := json.Unmarshal([]byte(body), &sr); err != nil {
		t.Fatal(err)
	}
	if sr.Windows != 1 || sr.Rejected != 1 {
		t.Errorf("schedule response: %+v", sr)
	}

	code, body = post(command.NameOverride, `{"state": 1, "duration": 300}`)
	if code != http.StatusOK || body != `{"state":1,"duration":300}` {
		t.Errorf("override: %d %s", code, body)
	}

	code, _ = post(command.NameOverride, `{"state": 2}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad state: expected 400, got %d", code)
	}

	code, _ = post("reboot", `{}`)
	if code != http.StatusNotFound {
		t.Errorf("unknown command: expected 404, got %d", code)
	}

	// The status endpoint reflects the override.
	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatal(err)
	}
	var sj status.StatusJSON
	err = json.NewDecoder(resp.Body).Decode(&sj)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if sj.Status.Valve != 1 || sj.Status.OverrideEnd != "2026-05-01T01:05:00Z" || len(sj.Status.Schedule) != 1 {
		t.Errorf("status: %+v", sj.Status)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`valve_commands_total{command="override",result="ok"} 1`,
		`valve_commands_total{command="override",result="error"} 1`,
		`valve_transitions_total{cause="override",state="OPEN"} 1`,
	} {
		if !strings.Contains(string(metricsBody), want) {
			t.Errorf("metrics missing %s", want)
		}
	}

	if n := len(pub.EventsSnapshot()); n != 2 {
		t.Errorf("expected boot and override events, got %d", n)
	}
}

// TestIntegrationSwitchOutranksCommands drives the mode switch through the
// debouncer while commands arrive.
func TestIntegrationSwitchOutranksCommands(t *testing.T) {
	reader := gpio.NewFakeModeReader([]gpio.Contacts{
		{Closed: true}, {Closed: true}, {Closed: true},
		{Auto: true}, {Auto: true}, {Auto: true},
	})
	pub := mqtt.NewFakePublisher()
	m := logic.NewMachine(valve.NopActuator{}, persist.NewMemoryStore(), publishSink(t, pub))
	if err := m.Begin(day); err != nil {
		t.Fatal(err)
	}
	disp := command.NewDispatcher(m, nil)
	deb := logic.NewSwitchDebouncer(150 * time.Millisecond)

	for i := 0; i < 6; i++ {
		now := day.Add(time.Duration(i) * 100 * time.Millisecond)
		open, auto, closed, err := reader.Read()
		if err != nil {
			t.Fatal(err)
		}
		if mode := deb.Process(logic.ResolveMode(open, auto, closed, deb.Stable()), now); mode != nil {
			if err := m.SetMode(now, *mode); err != nil {
				t.Fatal(err)
			}
		}
		if i == 3 {
			// Still CLOSED by the switch: the override is held back.
			resp, err := disp.Handle(now, command.NameOverride, []byte(`{"state":1,"duration":60}`))
			if err != nil {
				t.Fatal(err)
			}
			if string(resp) != `{"state":-1,"duration":60}` {
				t.Errorf("override under switch: %s", resp)
			}
		}
		if err := m.Evaluate(now); err != nil {
			t.Fatal(err)
		}
	}

	if m.Mode() != logic.ModeAuto {
		t.Errorf("mode: got %s, want AUTO", m.Mode())
	}
	if m.Current() != logic.StateOpen {
		t.Errorf("override should apply once the switch is in AUTO, got %s", m.Current())
	}
	events := pub.EventsSnapshot()
	last := events[len(events)-1]
	if last.Cause != logic.CauseOverride {
		t.Errorf("last event cause: got %s", last.Cause)
	}
}

// TestIntegrationFlowSleepClampedToSchedule keeps a sleep advisory from
// running past the next watering window.
func TestIntegrationFlowSleepClampedToSchedule(t *testing.T) {
	m := logic.NewMachine(valve.NopActuator{}, persist.NewMemoryStore(), nil)
	if err := m.Begin(day); err != nil {
		t.Fatal(err)
	}
	m.SetSchedule(logic.ScheduleSet{{Start: day.Add(5 * time.Minute), Period: time.Hour, Duration: time.Minute}})

	meter := gpio.NewFakeFlowMeter(1.5, 0, 0, 0)
	mon := logic.NewFlowMonitor(10*time.Second, time.Hour, day)

	var req *logic.SleepRequest
	for i := 0; i < 4 && req == nil; i++ {
		now := day.Add(time.Duration(i) * 10 * time.Second)
		if r := mon.Observe(now, meter.Rate(now)); r != nil {
			if wake, ok := m.NextWake(now); ok {
				r = r.Clamp(wake)
			}
			req = r
		}
	}
	if req == nil {
		t.Fatal("expected a sleep advisory")
	}
	// Last flow at t=0; advisory at t=20s once idle exceeds 10s.
	if !req.At.Equal(day.Add(20 * time.Second)) {
		t.Errorf("advisory at %s", req.At)
	}
	if want := 5*time.Minute - 20*time.Second; req.Duration != want {
		t.Errorf("duration: got %s, want %s", req.Duration, want)
	}
}
