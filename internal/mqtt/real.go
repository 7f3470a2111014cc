package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
	"github.com/sweeney/gasmeter-sensor/internal/retry"
)

const (
	connectTimeout    = 10 * time.Second
	reconnectInterval = 5 * time.Second
	publishTimeout    = 5 * time.Second

	// DefaultBufferSize is the number of events (transition message sets or
	// system messages) held while disconnected.
	DefaultBufferSize = 256
)

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	Identifier string
	Username   string
	Password   string
	// Location is the time zone of the lastHigh/lastLow timestamps.
	Location *time.Location
	// BufferSize is the number of events kept while disconnected.
	BufferSize int
	// OnCommand, if set, receives ON/OFF commands from the output topic.
	OnCommand func(on bool)
	// Clock paces the initial connection retries and stamps RECONNECTED.
	Clock clockwork.Clock
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client    paho.Client
	topics    Topics
	loc       *time.Location
	onCommand func(on bool)
	clock     clockwork.Clock

	// mu orders live publishes against the reconnect replay.
	mu        sync.Mutex
	connected bool
	backlog   *backlog
	connects  int
}

func newPublisher(opts Options) *RealPublisher {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RealPublisher{
		topics:    NewTopics(opts.Identifier),
		loc:       loc,
		onCommand: opts.OnCommand,
		clock:     clock,
		backlog:   newBacklog(size),
	}
}

// NewRealPublisher connects to the broker, retrying every 5 seconds until the
// connection succeeds or ctx is cancelled. Later connection losses are
// handled by the client's auto-reconnect.
func NewRealPublisher(ctx context.Context, opts Options) (*RealPublisher, error) {
	p := newPublisher(opts)

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.Identifier).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectInterval).
		SetWill(p.topics.System, string(willPayload()), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(clientOpts)

	policy := retry.Policy{
		Backoff: reconnectInterval,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("mqtt: connect failed, retrying", "broker", opts.Broker, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	err := retry.Do(ctx, p.clock, policy, func(context.Context) error {
		token := p.client.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Publish sends the message set for a confirmed transition. While the
// connection is down the messages are buffered and replayed on reconnect.
func (p *RealPublisher) Publish(event logic.Event) error {
	return p.send(EventMessages(p.topics, event, p.loc))
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	return p.send([]Message{{
		Topic:    p.topics.System,
		Payload:  payload,
		QoS:      1,
		Retained: event.Retained,
	}})
}

// send queues msgs as one group while offline. Online, the publishes are
// issued under mu so they cannot overtake a replay in progress; only the
// acknowledgements are awaited outside the lock.
func (p *RealPublisher) send(msgs []Message) error {
	p.mu.Lock()
	if !p.connected {
		p.backlog.add(msgs)
		n := p.backlog.events()
		p.mu.Unlock()
		slog.Debug("mqtt: disconnected, buffered event", "buffered", n)
		return nil
	}
	tokens := make([]paho.Token, len(msgs))
	for i, m := range msgs {
		tokens[i] = p.client.Publish(m.Topic, m.QoS, m.Retained, m.Payload)
	}
	p.mu.Unlock()

	for i, token := range tokens {
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish %s: timeout", msgs[i].Topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", msgs[i].Topic, err)
		}
	}
	return nil
}

// IsConnected reports whether the broker connection is up and the offline
// backlog has been handed to it.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of events waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.events()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second quiesce
	return nil
}

// onConnect runs on every (re)connect: it restores the command subscription
// and replays anything buffered while offline.
func (p *RealPublisher) onConnect(c paho.Client) {
	if p.onCommand != nil {
		c.Subscribe(p.topics.Output, 0, p.handleCommand)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	pending := p.backlog.take()

	if p.connects > 1 {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.clock.Now(), Event: "RECONNECTED"})
		c.Publish(p.topics.System, 1, false, payload)
		slog.Info("mqtt: reconnected", "replaying", len(pending))
	} else {
		slog.Info("mqtt: connected", "replaying", len(pending))
	}

	for _, group := range pending {
		for _, m := range group {
			c.Publish(m.Topic, m.QoS, m.Retained, m.Payload)
		}
	}
	p.connected = true
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	slog.Warn("mqtt: connection lost", "error", err)
}

func (p *RealPublisher) handleCommand(_ paho.Client, msg paho.Message) {
	on, err := ParseCommand(msg.Payload())
	if err != nil {
		slog.Warn("mqtt: ignoring command", "topic", msg.Topic(), "error", err)
		return
	}
	slog.Info("mqtt: output command", "on", on)
	p.onCommand(on)
}
