// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/gpio"
	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/mqtt"
	"github.com/sweeney/valve-controller/internal/persist"
	"github.com/sweeney/valve-controller/internal/valve"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/valve-controller/config.yaml"

// Valve driver hardware.
const (
	DriverRelay   = "relay"
	DriverHBridge = "hbridge"
	DriverNone    = "none"
)

// DeviceConfig identifies the controller.
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id,omitempty"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	Prefix     string `yaml:"prefix"`
	BufferSize int    `yaml:"buffer_size"`
}

// TelemetryConfig sets publishing intervals. Zero disables.
type TelemetryConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// OverrideConfig configures manual overrides.
type OverrideConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// RedisConfig configures the redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key,omitempty"`
}

// StoreConfig selects where the valve state is kept.
type StoreConfig struct {
	Type  string      `yaml:"type"`
	Path  string      `yaml:"path,omitempty"`
	Redis RedisConfig `yaml:"redis"`
}

// BridgeConfig holds the H-bridge pins.
type BridgeConfig struct {
	Enable int `yaml:"enable"`
	Phase  int `yaml:"phase"`
	Fault  int `yaml:"fault"`
	Sleep  int `yaml:"sleep"`
	Mode1  int `yaml:"mode1"`
	Mode2  int `yaml:"mode2"`
}

// ActuatorConfig selects the valve hardware.
type ActuatorConfig struct {
	Kind     string        `yaml:"kind"`
	Driver   string        `yaml:"driver"`
	Pulse    time.Duration `yaml:"pulse"`
	PinOpen  int           `yaml:"pin_open"`
	PinClose int           `yaml:"pin_close"`
	Bridge   BridgeConfig  `yaml:"bridge"`
}

// ModeSwitchConfig configures the three-position switch.
type ModeSwitchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	PinOpen   int           `yaml:"pin_open"`
	PinAuto   int           `yaml:"pin_auto"`
	PinClosed int           `yaml:"pin_closed"`
	Poll      time.Duration `yaml:"poll"`
	Debounce  time.Duration `yaml:"debounce"`
}

// FlowConfig configures the flow meter and the no-flow sleep advisory.
type FlowConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Pin           int           `yaml:"pin"`
	QFactor       float64       `yaml:"q_factor"`
	Interval      time.Duration `yaml:"interval"`
	NoFlowTimeout time.Duration `yaml:"no_flow_timeout"`
	SleepPeriod   time.Duration `yaml:"sleep_period"`
}

// HTTPConfig configures the status server. An empty address disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Debug bool   `yaml:"debug"`
	File  string `yaml:"file,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Tick       time.Duration    `yaml:"tick"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Override   OverrideConfig   `yaml:"override"`
	Store      StoreConfig      `yaml:"store"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	ModeSwitch ModeSwitchConfig `yaml:"mode_switch"`
	Flow       FlowConfig       `yaml:"flow"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`

	// Schedule is installed at startup, parsed like a set-schedule command.
	Schedule []any `yaml:"schedule"`
}

// Default returns the built-in configuration.
func Default() *Config {
	id, err := os.Hostname()
	if err != nil || id == "" {
		id = "valve-controller"
	}
	return &Config{
		Device: DeviceConfig{ID: id},
		MQTT: MQTTConfig{
			Broker:     "tcp://localhost:1883",
			Prefix:     mqtt.DefaultPrefix,
			BufferSize: mqtt.DefaultBufferSize,
		},
		Tick: time.Second,
		Telemetry: TelemetryConfig{
			Interval:  time.Minute,
			Heartbeat: 15 * time.Minute,
		},
		Override: OverrideConfig{DefaultDuration: logic.DefaultOverrideDuration},
		Store:    StoreConfig{Type: persist.TypeFile, Path: persist.DefaultFilePath},
		Actuator: ActuatorConfig{
			Kind:     valve.KindPulse,
			Driver:   DriverRelay,
			Pulse:    valve.DefaultPulse,
			PinOpen:  gpio.DefaultPinRelayOpen,
			PinClose: gpio.DefaultPinRelayClose,
			Bridge: BridgeConfig{
				Enable: gpio.DefaultPinBridgeEnable,
				Phase:  gpio.DefaultPinBridgePhase,
				Fault:  gpio.DefaultPinBridgeFault,
				Sleep:  gpio.DefaultPinBridgeSleep,
				Mode1:  gpio.DefaultPinBridgeMode1,
				Mode2:  gpio.DefaultPinBridgeMode2,
			},
		},
		ModeSwitch: ModeSwitchConfig{
			PinOpen:   gpio.DefaultPinModeOpen,
			PinAuto:   gpio.DefaultPinModeAuto,
			PinClosed: gpio.DefaultPinModeClosed,
			Poll:      100 * time.Millisecond,
			Debounce:  250 * time.Millisecond,
		},
		Flow: FlowConfig{
			Pin:           gpio.DefaultPinFlow,
			QFactor:       gpio.DefaultQFactor,
			Interval:      time.Second,
			NoFlowTimeout: logic.DefaultNoFlowTimeout,
			SleepPeriod:   logic.DefaultSleepPeriod,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.ID == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.Telemetry.Interval < 0 || c.Telemetry.Heartbeat < 0 {
		errs = append(errs, errors.New("telemetry intervals must not be negative"))
	}
	if c.MQTT.BufferSize < 0 {
		errs = append(errs, errors.New("mqtt.buffer_size must not be negative"))
	}

	switch c.Store.Type {
	case persist.TypeMemory, persist.TypeFile, persist.TypeSQLite:
	case persist.TypeRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}

	switch c.Actuator.Kind {
	case valve.KindPulse, valve.KindHold, valve.KindNone:
	default:
		errs = append(errs, fmt.Errorf("unknown actuator.kind %q", c.Actuator.Kind))
	}
	switch c.Actuator.Driver {
	case DriverRelay, DriverHBridge, DriverNone:
	default:
		errs = append(errs, fmt.Errorf("unknown actuator.driver %q", c.Actuator.Driver))
	}
	if c.Actuator.Kind != valve.KindNone && c.Actuator.Driver == DriverNone {
		errs = append(errs, fmt.Errorf("actuator.kind %q needs a driver", c.Actuator.Kind))
	}

	if c.ModeSwitch.Enabled && c.ModeSwitch.Poll <= 0 {
		errs = append(errs, errors.New("mode_switch.poll must be positive"))
	}
	if c.ModeSwitch.Debounce < 0 {
		errs = append(errs, errors.New("mode_switch.debounce must not be negative"))
	}

	if c.Flow.Enabled {
		if c.Flow.QFactor <= 0 {
			errs = append(errs, errors.New("flow.q_factor must be positive"))
		}
		if c.Flow.Interval <= 0 {
			errs = append(errs, errors.New("flow.interval must be positive"))
		}
	}
	if c.Flow.SleepPeriod < 0 {
		errs = append(errs, errors.New("flow.sleep_period must not be negative"))
	}
	return errors.Join(errs...)
}

// InitialSchedule parses the configured schedule. Malformed entries are
// returned as errors and left out.
func (c *Config) InitialSchedule() (logic.ScheduleSet, []error) {
	return command.ParseSchedule(c.Schedule)
}

// StoreOptions maps the store section to persist options.
func (c *Config) StoreOptions() persist.Options {
	return persist.Options{
		Type:          c.Store.Type,
		Path:          c.Store.Path,
		RedisAddr:     c.Store.Redis.Addr,
		RedisPassword: c.Store.Redis.Password,
		RedisDB:       c.Store.Redis.DB,
		RedisKey:      c.Store.Redis.Key,
	}
}

// MQTTTopics returns the topics for this device.
func (c *Config) MQTTTopics() mqtt.Topics {
	return mqtt.NewTopics(c.MQTT.Prefix, c.Device.ID)
}

// BridgePins returns the H-bridge wiring.
func (c *Config) BridgePins() gpio.BridgePins {
	b := c.Actuator.Bridge
	return gpio.BridgePins{Enable: b.Enable, Phase: b.Phase, Fault: b.Fault, Sleep: b.Sleep, Mode1: b.Mode1, Mode2: b.Mode2}
}
