package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/status"
)

func newTracker() *status.Tracker {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		DeviceID:    "front-lawn",
		TickMs:      1000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPPort:    ":80",
		Store:       "file",
		Actuator:    "pulse",
	}
	return status.NewTracker(start, cfg)
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *status.Tracker) {
	t.Helper()
	tr := newTracker()
	srv := New(":0", tr, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	end := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	tr.Update(logic.Telemetry{Valve: logic.StateOpen, OverrideEnd: &end, Mode: logic.ModeAuto}, nil, nil,
		logic.Counts{Opened: 5, Closed: 2})
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Valve != 1 {
		t.Errorf("Valve: got %d, want 1", sj.Status.Valve)
	}
	if sj.Status.OverrideEnd != "2026-05-01T07:00:00Z" {
		t.Errorf("OverrideEnd: got %q", sj.Status.OverrideEnd)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Counts.Opened != 5 {
		t.Errorf("Counts.Opened: got %d, want 5", sj.Status.Counts.Opened)
	}
	if sj.Status.Config.DeviceID != "front-lawn" {
		t.Errorf("Config.DeviceID: got %q", sj.Status.Config.DeviceID)
	}
}

func TestJSONUnknownStateBeforeStart(t *testing.T) {
	ts, _ := newTestServer(t)

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Status.ValveState != "UNKNOWN" {
		t.Errorf("ValveState before start: got %q, want UNKNOWN", sj.Status.ValveState)
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false before start")
	}
}

func TestHTMLEndpoints(t *testing.T) {
	ts, tr := newTestServer(t)
	flow := 1.25
	tr.Update(logic.Telemetry{Valve: logic.StateOpen, Mode: logic.ModeAuto},
		logic.ScheduleSet{{Start: time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC), Period: 24 * time.Hour, Duration: 15 * time.Minute}},
		nil, logic.Counts{})
	tr.SetFlow(flow)

	for _, path := range []string{"/", "/index.html"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != 200 {
				t.Errorf("status: got %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type: got %q, want text/html", ct)
			}
			body, _ := io.ReadAll(resp.Body)
			for _, want := range []string{"front-lawn", `class="open"`, "1.25 l/min", "2026-05-01T06:00:00Z"} {
				if !strings.Contains(string(body), want) {
					t.Errorf("body missing %q", want)
				}
			}
		})
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "valve_state 1")
	})
	ts, _ := newTestServer(t, WithMetrics(metrics))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "valve_state 1") {
		t.Errorf("unexpected body: %s", body)
	}
}

// serveCommands answers every request with fn, standing in for the run loop.
func serveCommands(t *testing.T, fn func(command.Request) ([]byte, error)) chan command.Request {
	t.Helper()
	ch := make(chan command.Request)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case req := <-ch:
				req.Respond(fn(req))
			case <-done:
				return
			}
		}
	}()
	return ch
}

func TestCommandEndpoint(t *testing.T) {
	var got command.Request
	ch := serveCommands(t, func(req command.Request) ([]byte, error) {
		got = req
		return []byte(`{"state":1,"duration":600}`), nil
	})
	ts, _ := newTestServer(t, WithCommands(ch))

	resp, err := http.Post(ts.URL+"/api/commands/override", "application/json",
		strings.NewReader(`{"state":1,"duration":600}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"state":1,"duration":600}` {
		t.Errorf("unexpected body: %s", body)
	}
	if got.Name != "override" || got.Source != "http" {
		t.Errorf("unexpected request: %+v", got)
	}
	if string(got.Payload) != `{"state":1,"duration":600}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
}

func TestCommandEndpointErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown command", command.ErrUnknownCommand, http.StatusNotFound},
		{"unknown state", command.ErrUnknownState, http.StatusBadRequest},
		{"malformed", command.ErrMalformedRequest, http.StatusBadRequest},
		{"actuator", fmt.Errorf("actuate OPEN: fault"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := serveCommands(t, func(command.Request) ([]byte, error) {
				return []byte(`{"error":"x"}`), fmt.Errorf("wrapped: %w", tt.err)
			})
			ts, _ := newTestServer(t, WithCommands(ch))

			resp, err := http.Post(ts.URL+"/api/commands/x", "application/json", strings.NewReader(`{}`))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCommandEndpointDisabled(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/commands/override", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestCommandEndpointTimeout(t *testing.T) {
	// Nobody reads the queue.
	ch := make(chan command.Request)
	ts, _ := newTestServer(t, WithCommands(ch), WithCommandTimeout(50*time.Millisecond))

	resp, err := http.Post(ts.URL+"/api/commands/override", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestCommandRequiresPost(t *testing.T) {
	ch := serveCommands(t, func(command.Request) ([]byte, error) { return nil, nil })
	ts, _ := newTestServer(t, WithCommands(ch))

	resp, err := http.Get(ts.URL + "/api/commands/override")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	if getJSON(t, ts.URL+"/index.json").Status.Ready {
		t.Error("expected Ready=false initially")
	}

	tr.Update(logic.Telemetry{Valve: logic.StateClosed, Mode: logic.ModeClosed}, nil, nil, logic.Counts{Closed: 1})
	tr.SetMQTTConnected(true)

	sj := getJSON(t, ts.URL+"/index.json")
	if !sj.Status.Ready {
		t.Error("expected Ready=true after update")
	}
	if sj.Status.Mode != "CLOSED" {
		t.Errorf("Mode: got %q, want CLOSED", sj.Status.Mode)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}
