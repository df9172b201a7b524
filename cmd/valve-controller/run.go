package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/config"
	"github.com/sweeney/valve-controller/internal/gpio"
	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/metrics"
	"github.com/sweeney/valve-controller/internal/mqtt"
	"github.com/sweeney/valve-controller/internal/persist"
	"github.com/sweeney/valve-controller/internal/status"
	"github.com/sweeney/valve-controller/internal/valve"
	"github.com/sweeney/valve-controller/internal/web"
)

const (
	httpCommandBacklog = 4
	shutdownTimeout    = 5 * time.Second
)

// run wires the hardware, store, broker and HTTP server together and runs
// the control loop until a signal arrives or a component fails.
func run(cfg *config.Config, dryRun bool, logger *zap.Logger) error {
	log := logger.Sugar()

	storeOpts := cfg.StoreOptions()
	if dryRun {
		storeOpts = persist.Options{Type: persist.TypeMemory}
	}
	store, err := persist.Open(storeOpts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	driver, err := openDriver(cfg, dryRun)
	if err != nil {
		return fmt.Errorf("init valve driver: %w", err)
	}
	if driver != nil {
		defer driver.Close()
	}

	kind := cfg.Actuator.Kind
	if dryRun {
		kind = valve.KindNone
	}
	actuator, err := valve.New(kind, driver, cfg.Actuator.Pulse)
	if err != nil {
		return fmt.Errorf("init actuator: %w", err)
	}
	recorder := metrics.NewRecorder()
	actuator = recorder.InstrumentActuator(actuator)

	topics := cfg.MQTTTopics()
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Topics:     topics,
		BufferSize: cfg.MQTT.BufferSize,
		Logger:     logger.Named("mqtt").Sugar(),
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		DeviceID:    cfg.Device.ID,
		TickMs:      cfg.Tick.Milliseconds(),
		TelemetryMs: cfg.Telemetry.Interval.Milliseconds(),
		HeartbeatMs: cfg.Telemetry.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
		Store:       storeOpts.Type,
		Actuator:    kind,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	loopLog := logger.Named("loop").Sugar()
	machine := logic.NewMachine(actuator, store, eventSink(publisher, recorder, loopLog))
	schedule, rejected := cfg.InitialSchedule()
	for _, err := range rejected {
		log.Warnw("Ignoring configured schedule entry", "error", err)
	}
	machine.SetSchedule(schedule)

	l := &loop{
		machine:      machine,
		dispatcher:   command.NewDispatcher(machine, logger.Named("command").Sugar(), command.WithDefaultOverride(cfg.Override.DefaultDuration)),
		publisher:    publisher,
		mqttStatus:   publisher,
		tracker:      tracker,
		recorder:     recorder,
		logger:       loopLog,
		now:          time.Now,
		mqttCommands: publisher.Commands(),
	}

	tick := time.NewTicker(cfg.Tick)
	defer tick.Stop()
	l.tick = tick.C

	if cfg.Telemetry.Interval > 0 {
		t := time.NewTicker(cfg.Telemetry.Interval)
		defer t.Stop()
		l.telemetry = t.C
	}
	if cfg.Telemetry.Heartbeat > 0 {
		t := time.NewTicker(cfg.Telemetry.Heartbeat)
		defer t.Stop()
		l.heartbeat = t.C
	}

	if cfg.ModeSwitch.Enabled && !dryRun {
		ms := cfg.ModeSwitch
		reader, err := gpio.NewRealModeReader(ms.PinOpen, ms.PinAuto, ms.PinClosed)
		if err != nil {
			return fmt.Errorf("init mode switch: %w", err)
		}
		defer reader.Close()
		t := time.NewTicker(ms.Poll)
		defer t.Stop()
		l.modeReader = reader
		l.debouncer = logic.NewSwitchDebouncer(ms.Debounce)
		l.modePoll = t.C
	}

	if cfg.Flow.Enabled && !dryRun {
		fc := cfg.Flow
		meter, err := gpio.NewRealFlowMeter(fc.Pin, fc.QFactor, time.Now())
		if err != nil {
			return fmt.Errorf("init flow meter: %w", err)
		}
		defer meter.Close()
		t := time.NewTicker(fc.Interval)
		defer t.Stop()
		l.flowMeter = meter
		l.flowMonitor = logic.NewFlowMonitor(fc.NoFlowTimeout, fc.SleepPeriod, time.Now())
		l.flowPoll = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	l.sig = sigCh

	g, ctx := errgroup.WithContext(context.Background())

	if cfg.HTTP.Addr != "" {
		httpCommands := make(chan command.Request, httpCommandBacklog)
		l.httpCommands = httpCommands
		srv := web.New(cfg.HTTP.Addr, tracker,
			web.WithMetrics(recorder.Handler()),
			web.WithCommands(httpCommands),
			web.WithLogger(logger.Named("web").Sugar()),
		)
		g.Go(func() error {
			log.Infow("HTTP status server listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Infow("Started",
		"device", cfg.Device.ID,
		"broker", cfg.MQTT.Broker,
		"store", storeOpts.Type,
		"actuator", kind,
		"tick", cfg.Tick,
		"dry_run", dryRun,
	)

	g.Go(func() error {
		err := l.run(ctx)
		// Stop the HTTP server once the loop is done.
		if err == nil {
			err = errLoopDone
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errLoopDone) {
		return err
	}
	return nil
}

// errLoopDone cancels the group when the loop exits cleanly.
var errLoopDone = errors.New("control loop finished")

// openDriver returns nil when no driver is configured.
func openDriver(cfg *config.Config, dryRun bool) (gpio.Driver, error) {
	if dryRun {
		return nil, nil
	}
	switch cfg.Actuator.Driver {
	case config.DriverRelay:
		return gpio.NewRelayDriver(cfg.Actuator.PinOpen, cfg.Actuator.PinClose)
	case config.DriverHBridge:
		return gpio.NewHBridgeDriver(cfg.BridgePins())
	case config.DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Actuator.Driver)
	}
}

// eventSink publishes transitions and records them in metrics. Publish
// failures are logged, never fatal.
func eventSink(publisher mqtt.Publisher, recorder *metrics.Recorder, log *zap.SugaredLogger) logic.EventSink {
	publish := logic.EventSinkFunc(func(e logic.Event) {
		log.Infow("Valve state changed", "state", e.State, "cause", e.Cause)
		if err := publisher.PublishEvent(e); err != nil {
			log.Warnw("Failed to publish valve event", "error", err)
		}
	})
	sinks := logic.MultiSink{publish}
	if recorder != nil {
		sinks = append(sinks, recorder)
	}
	return sinks
}

// loop owns the Machine. Every field is touched only from the goroutine
// running run. Nil channels disable the corresponding feature.
type loop struct {
	machine    *logic.Machine
	dispatcher *command.Dispatcher
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	recorder   *metrics.Recorder
	logger     *zap.SugaredLogger
	now        func() time.Time

	modeReader  gpio.ModeReader
	debouncer   *logic.SwitchDebouncer
	flowMeter   gpio.FlowMeter
	flowMonitor *logic.FlowMonitor

	tick      <-chan time.Time
	telemetry <-chan time.Time
	heartbeat <-chan time.Time
	modePoll  <-chan time.Time
	flowPoll  <-chan time.Time

	mqttCommands <-chan command.Request
	httpCommands <-chan command.Request
	sig          <-chan os.Signal

	// sleepUntil is set while a sleep advisory is in force. Ticks, telemetry
	// and flow samples are skipped until then.
	sleepUntil time.Time
}

// run restores the valve, announces STARTUP and serves events until a
// signal arrives or ctx is cancelled. Both end with a SHUTDOWN event.
func (l *loop) run(ctx context.Context) error {
	start := l.now()
	if err := l.machine.Begin(start); err != nil {
		l.logger.Warnw("Startup actuation incomplete", "error", err)
	}
	l.logger.Infow("Valve restored", "state", l.machine.Current())
	l.refresh(start)
	l.publishStatus(mqtt.EventStartup, "", start, true)

	for {
		select {
		case s := <-l.sig:
			l.logger.Infow("Received signal, shutting down", "signal", s)
			l.publishStatus(mqtt.EventShutdown, signalName(s), l.now(), true)
			return nil

		case <-ctx.Done():
			l.logger.Infow("Context cancelled, shutting down", "error", ctx.Err())
			l.publishStatus(mqtt.EventShutdown, "CONTEXT_CANCELLED", l.now(), true)
			return nil

		case req := <-l.mqttCommands:
			l.handle(req)

		case req := <-l.httpCommands:
			l.handle(req)

		case <-l.tick:
			t := l.now()
			if l.asleep(t) {
				continue
			}
			if err := l.machine.Evaluate(t); err != nil {
				// The valve keeps its committed state; the next tick retries.
				l.logger.Warnw("Evaluate failed", "error", err)
			}
			l.refresh(t)

		case <-l.modePoll:
			l.pollModeSwitch(l.now())

		case <-l.flowPoll:
			t := l.now()
			if l.asleep(t) {
				continue
			}
			l.sampleFlow(t)

		case <-l.telemetry:
			t := l.now()
			if l.asleep(t) {
				continue
			}
			l.publishTelemetry(t)

		case <-l.heartbeat:
			t := l.now()
			if net := readNetworkInfo(); net != nil {
				l.tracker.SetNetwork(net)
			}
			l.refresh(t)
			l.logger.Infow("Heartbeat", "valve", l.machine.Current(), "counts", l.machine.Counts())
			l.publishStatus(mqtt.EventHeartbeat, "", t, false)
		}
	}
}

func (l *loop) asleep(t time.Time) bool {
	if l.sleepUntil.IsZero() {
		return false
	}
	if t.Before(l.sleepUntil) {
		return true
	}
	l.logger.Infow("Waking from sleep")
	l.sleepUntil = time.Time{}
	return false
}

// wake ends a sleep advisory early.
func (l *loop) wake() {
	if !l.sleepUntil.IsZero() {
		l.logger.Infow("Woken early")
		l.sleepUntil = time.Time{}
	}
}

// handle runs one command and replies. Commands wake the loop.
func (l *loop) handle(req command.Request) {
	t := l.now()
	l.wake()
	resp, err := l.dispatcher.Handle(t, req.Name, req.Payload)
	if err != nil {
		l.logger.Warnw("Command error", "command", req.Name, "source", req.Source, "error", err)
	} else {
		l.logger.Infow("Command handled", "command", req.Name, "source", req.Source)
	}
	if l.recorder != nil {
		name := req.Name
		if !slices.Contains(command.Names(), name) {
			name = "unknown"
		}
		l.recorder.CommandHandled(name, err)
	}
	req.Respond(resp, err)
	l.refresh(t)
}

func (l *loop) pollModeSwitch(t time.Time) {
	if l.modeReader == nil || l.debouncer == nil {
		return
	}
	open, auto, closed, err := l.modeReader.Read()
	if err != nil {
		l.logger.Warnw("Mode switch read error", "error", err)
		return
	}
	raw := logic.ResolveMode(open, auto, closed, l.debouncer.Stable())
	mode := l.debouncer.Process(raw, t)
	if mode == nil || *mode == l.machine.Mode() {
		return
	}
	l.wake()
	l.logger.Infow("Mode switch changed", "mode", *mode)
	if err := l.machine.SetMode(t, *mode); err != nil {
		l.logger.Warnw("Mode change incomplete", "mode", *mode, "error", err)
	}
	l.refresh(t)
}

// sampleFlow reads the flow meter and acts on a sleep advisory. The sleep
// never extends past the next scheduled change or override expiry.
func (l *loop) sampleFlow(t time.Time) {
	if l.flowMeter == nil || l.flowMonitor == nil {
		return
	}
	rate := l.flowMeter.Rate(t)
	l.tracker.SetFlow(rate)
	if l.recorder != nil {
		l.recorder.SetFlow(rate)
	}

	req := l.flowMonitor.Observe(t, rate)
	if req == nil {
		return
	}
	if wake, ok := l.machine.NextWake(t); ok {
		req = req.Clamp(wake)
	}
	if req == nil {
		return
	}

	l.sleepUntil = req.At.Add(req.Duration)
	l.logger.Infow("Sleeping", "duration", req.Duration, "reason", req.Reason)
	l.refresh(t)
	l.publishStatus(mqtt.EventSleep, req.Reason, t, false)
}

func (l *loop) publishTelemetry(t time.Time) {
	tel := mqtt.Telemetry{Timestamp: t, Telemetry: l.machine.Telemetry(t)}
	if l.flowMonitor != nil {
		rate := l.flowMonitor.Rate()
		tel.Flow = &rate
	}
	if err := l.publisher.PublishTelemetry(tel); err != nil {
		l.logger.Warnw("Telemetry publish error", "error", err)
	}
}

// refresh copies the machine's view into the tracker and metrics.
func (l *loop) refresh(t time.Time) {
	tel := l.machine.Telemetry(t)
	schedule := l.machine.Schedule()
	var next *time.Time
	if n, ok := l.machine.NextWake(t); ok {
		next = &n
	}
	l.tracker.Update(tel, schedule, next, l.machine.Counts())
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	if l.recorder != nil {
		l.recorder.Observe(tel, len(schedule))
	}
}

func (l *loop) publishStatus(event, reason string, t time.Time, retained bool) {
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	snap := l.tracker.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  t,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := l.publisher.PublishSystem(se); err != nil {
		l.logger.Warnw("Failed to publish system event", "event", event, "error", err)
		return
	}
	l.logger.Debugw("Published system event", "event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
