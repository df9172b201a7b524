package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/valve-controller/internal/command"
	"github.com/sweeney/valve-controller/internal/logic"
)

// DefaultBufferSize is the number of messages kept while disconnected.
const DefaultBufferSize = 256

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandBacklog = 16
)

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string // empty generates valve-controller-<uuid>
	Username string
	Password string
	Topics   Topics

	// BufferSize bounds the offline buffer. Zero uses DefaultBufferSize.
	BufferSize int

	Logger *zap.SugaredLogger
}

// RealPublisher publishes to an actual MQTT broker and receives commands.
// Messages published while the connection is down are buffered and replayed
// once it comes back.
type RealPublisher struct {
	client   paho.Client
	topics   Topics
	logger   *zap.SugaredLogger
	commands chan command.Request

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool
	everUp    bool
}

// NewRealPublisher creates a publisher and starts connecting to the broker.
// A broker that is not reachable within the connect timeout is not an
// error: the client keeps retrying and messages are buffered meanwhile.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: broker address required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.ClientID == "" {
		opts.ClientID = "valve-controller-" + uuid.NewString()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	p := &RealPublisher{
		topics:   opts.Topics,
		logger:   opts.Logger,
		commands: make(chan command.Request, commandBacklog),
		buffer:   newRingBuffer(opts.BufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(opts.Topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.logger.Warnw("Broker not reachable yet, buffering", "broker", opts.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	p.logger.Infow("Connected", "client_id", clientID(c), "replay", len(pending))

	token := c.Subscribe(p.topics.Command("+"), 1, p.onMessage)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Errorw("Subscribe failed", "topic", p.topics.Command("+"), "error", token.Error())
	}

	for i, msg := range pending {
		if err := p.send(msg); err != nil {
			p.logger.Warnw("Replay interrupted", "error", err, "remaining", len(pending)-i)
			p.mu.Lock()
			for _, m := range pending[i:] {
				p.buffer.push(m)
			}
			p.mu.Unlock()
			return
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		if err := p.send(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1}); err != nil {
			p.logger.Warnw("Publish reconnected event failed", "error", err)
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Warnw("Connection lost", "error", err)
}

func (p *RealPublisher) onMessage(_ paho.Client, msg paho.Message) {
	name, ok := p.topics.CommandName(msg.Topic())
	if !ok {
		p.logger.Debugw("Ignoring message", "topic", msg.Topic())
		return
	}
	req := command.Request{
		Name:    name,
		Payload: append([]byte(nil), msg.Payload()...),
		Source:  "mqtt",
		Reply: func(resp []byte, _ error) {
			if err := p.PublishResponse(name, resp); err != nil {
				p.logger.Warnw("Publish response failed", "command", name, "error", err)
			}
		},
	}
	select {
	case p.commands <- req:
	default:
		p.logger.Warnw("Command backlog full, dropping", "command", name)
	}
}

func clientID(c paho.Client) string {
	r := c.OptionsReader()
	return r.ClientID()
}

// send publishes msg and waits for completion.
func (p *RealPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// publish sends msg, or buffers it when the connection is down or the
// send fails.
func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	up := p.connected && p.client.IsConnectionOpen()
	if !up {
		if p.buffer.push(msg) {
			p.logger.Warnw("Offline buffer full, dropping oldest", "capacity", p.buffer.capacity)
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.send(msg); err != nil {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
		return err
	}
	return nil
}

// PublishEvent sends a valve event to the MQTT broker.
func (p *RealPublisher) PublishEvent(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: state changes must not be lost.
	return p.publish(bufferedMsg{topic: p.topics.Events, payload: payload, qos: 1})
}

// PublishTelemetry sends a telemetry snapshot.
func (p *RealPublisher) PublishTelemetry(t Telemetry) error {
	payload, err := FormatTelemetry(t)
	if err != nil {
		return fmt.Errorf("format telemetry: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topics.Telemetry, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// PublishResponse sends a command response.
func (p *RealPublisher) PublishResponse(name string, payload []byte) error {
	return p.publish(bufferedMsg{topic: p.topics.Response(name), payload: payload, qos: 1})
}

// Commands returns the channel of received commands.
func (p *RealPublisher) Commands() <-chan command.Request {
	return p.commands
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for the connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
