// Package metrics exposes valve controller metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/valve-controller/internal/logic"
)

// Command results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder holds the controller's collectors on a private registry.
// It implements logic.EventSink.
type Recorder struct {
	registry *prometheus.Registry

	state          prometheus.Gauge
	overrideActive prometheus.Gauge
	windows        prometheus.Gauge
	mode           prometheus.Gauge
	flow           prometheus.Gauge
	transitions    *prometheus.CounterVec
	commands       *prometheus.CounterVec
	actuation      *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valve_state",
			Help: "Committed valve state (-1 closed, 0 unknown, 1 open)",
		}),
		overrideActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valve_override_active",
			Help: "1 while a manual override is in force",
		}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valve_schedule_windows",
			Help: "Number of installed schedule windows",
		}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valve_mode_switch",
			Help: "Mode switch position (-1 closed, 0 auto, 1 open)",
		}),
		flow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valve_flow_litres_per_minute",
			Help: "Measured flow rate",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valve_transitions_total",
				Help: "Total number of valve state transitions",
			},
			[]string{"state", "cause"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valve_commands_total",
				Help: "Total number of remote commands handled",
			},
			[]string{"command", "result"},
		),
		actuation: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valve_actuation_seconds",
				Help:    "Duration of valve actuations",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"state"},
		),
	}
	r.registry.MustRegister(
		r.state, r.overrideActive, r.windows, r.mode, r.flow,
		r.transitions, r.commands, r.actuation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Emit records a state transition.
func (r *Recorder) Emit(event logic.Event) {
	r.state.Set(float64(event.State))
	r.transitions.WithLabelValues(event.State.String(), string(event.Cause)).Inc()
}

// Observe updates the gauges from the latest machine snapshot.
func (r *Recorder) Observe(tel logic.Telemetry, windows int) {
	r.state.Set(float64(tel.Valve))
	if tel.OverrideEnd != nil {
		r.overrideActive.Set(1)
	} else {
		r.overrideActive.Set(0)
	}
	r.windows.Set(float64(windows))
	if tel.Mode != logic.ModeInitialized {
		r.mode.Set(float64(tel.Mode))
	}
}

// SetFlow records the latest flow reading.
func (r *Recorder) SetFlow(litresPerMinute float64) {
	r.flow.Set(litresPerMinute)
}

// CommandHandled counts a command by outcome.
func (r *Recorder) CommandHandled(name string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.commands.WithLabelValues(name, result).Inc()
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// InstrumentActuator wraps a so every Apply is timed.
func (r *Recorder) InstrumentActuator(a logic.Actuator) logic.Actuator {
	return &timedActuator{next: a, hist: r.actuation, now: time.Now}
}

type timedActuator struct {
	next logic.Actuator
	hist *prometheus.HistogramVec
	now  func() time.Time
}

func (t *timedActuator) Apply(state logic.ValveState) error {
	start := t.now()
	err := t.next.Apply(state)
	t.hist.WithLabelValues(state.String()).Observe(t.now().Sub(start).Seconds())
	return err
}
