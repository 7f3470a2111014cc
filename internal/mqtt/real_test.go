package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeMessage is an inbound message delivered to a subscription handler.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeClient records publications and subscriptions.
type fakeClient struct {
	mu         sync.Mutex
	open       bool
	published  []Message
	subscribed map[string]paho.MessageHandler
	publishErr error
}

func newFakeClient(open bool) *fakeClient {
	return &fakeClient{open: open, subscribed: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool {
	return c.IsConnectionOpen()
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Connect() paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, Message{Topic: topic, Payload: payload.([]byte), QoS: qos, Retained: retained})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (c *fakeClient) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeClient) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.published))
	copy(out, c.published)
	return out
}

func newTestPublisher(client *fakeClient, opts Options) *RealPublisher {
	if opts.Identifier == "" {
		opts.Identifier = "meter"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	p := newPublisher(opts)
	p.client = client
	return p
}

// connectedPublisher returns a publisher whose first connect has completed.
func connectedPublisher(client *fakeClient, opts Options) *RealPublisher {
	p := newTestPublisher(client, opts)
	client.setOpen(true)
	p.onConnect(client)
	return p
}

var testEvent = logic.Event{
	Timestamp: time.Date(2023, 3, 26, 14, 43, 22, 0, time.UTC),
	Direction: logic.DirectionHigh,
}

var testLowEvent = logic.Event{
	Timestamp: time.Date(2023, 3, 26, 14, 43, 27, 0, time.UTC),
	Direction: logic.DirectionLow,
}

func topicsOf(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}

func TestRealPublisherPublishConnected(t *testing.T) {
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{})

	if err := p.Publish(testEvent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "meter/lastHigh" || string(msgs[0].Payload) != "Sunday, March 26 2023 14:43:22" {
		t.Errorf("unexpected first message: %s=%s", msgs[0].Topic, msgs[0].Payload)
	}
	if p.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", p.Buffered())
	}
}

func TestRealPublisherPublishError(t *testing.T) {
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{})
	client.publishErr = errors.New("not authorized")

	err := p.Publish(testEvent)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, client.publishErr) {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}

func TestRealPublisherBuffersWhileDisconnected(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})

	if err := p.Publish(testEvent); err != nil {
		t.Fatalf("buffered publish should not fail: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Timestamp: testEvent.Timestamp, Event: "HEARTBEAT"}); err != nil {
		t.Fatalf("buffered publish should not fail: %v", err)
	}

	if len(client.messages()) != 0 {
		t.Errorf("expected nothing sent while disconnected")
	}
	if p.Buffered() != 2 {
		t.Errorf("expected 2 buffered events, got %d", p.Buffered())
	}
}

func TestRealPublisherReplaysOnConnect(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})

	p.Publish(testEvent)
	p.Publish(testLowEvent)

	client.setOpen(true)
	p.onConnect(client)

	msgs := client.messages()
	if len(msgs) != 6 {
		t.Fatalf("expected 6 replayed messages on first connect, got %d", len(msgs))
	}
	if msgs[0].Topic != "meter/lastHigh" || msgs[3].Topic != "meter/lastLow" {
		t.Errorf("replay out of order: %s, %s", msgs[0].Topic, msgs[3].Topic)
	}
	if p.Buffered() != 0 {
		t.Errorf("expected buffer drained, got %d", p.Buffered())
	}
}

// The client can report an open connection before the connect handler has
// replayed the backlog. Events sent in that window must queue behind the
// backlog, and the replay must leave nothing behind.
func TestRealPublisherOpenClientWaitsForConnectHandler(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})

	p.Publish(testEvent)
	client.setOpen(true)
	p.Publish(testLowEvent)

	if len(client.messages()) != 0 {
		t.Fatalf("expected nothing sent before the connect handler, got %v", topicsOf(client.messages()))
	}

	p.onConnect(client)

	if !p.IsConnected() {
		t.Error("expected connected after the connect handler")
	}
	if p.Buffered() != 0 {
		t.Fatalf("event stranded in buffer while connected: %d", p.Buffered())
	}
	msgs := client.messages()
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	// The newer LOW set must land last so highDetected ends FALSE.
	last := msgs[len(msgs)-1]
	if last.Topic != "meter/highDetected" || string(last.Payload) != ValueFalse {
		t.Errorf("expected highDetected=FALSE last, got %s=%s", last.Topic, last.Payload)
	}
}

func TestRealPublisherReplayPrecedesLivePublish(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})

	p.Publish(testEvent)
	client.setOpen(true)
	p.onConnect(client)
	if err := p.Publish(testLowEvent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"meter/lastHigh", "meter/highDetected", "meter/lowDetected",
		"meter/lastLow", "meter/lowDetected", "meter/highDetected",
	}
	got := topicsOf(client.messages())
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRealPublisherConcurrentPublishDuringConnect(t *testing.T) {
	const events = 50
	client := newFakeClient(true)
	p := newTestPublisher(client, Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			if err := p.Publish(testEvent); err != nil {
				t.Errorf("publish %d: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		p.onConnect(client)
	}()
	wg.Wait()

	if p.Buffered() != 0 {
		t.Fatalf("event stranded in buffer while connected: %d", p.Buffered())
	}
	msgs := client.messages()
	if len(msgs) != events*3 {
		t.Fatalf("expected %d messages, got %d", events*3, len(msgs))
	}
	for i := 0; i < len(msgs); i += 3 {
		if msgs[i].Topic != "meter/lastHigh" {
			t.Fatalf("message set split at %d: %v", i, topicsOf(msgs[i:i+3]))
		}
	}
}

func TestRealPublisherBuffersAfterConnectionLost(t *testing.T) {
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{})

	client.setOpen(false)
	p.onConnectionLost(client, errors.New("EOF"))

	if p.IsConnected() {
		t.Error("expected disconnected after connection lost")
	}
	p.Publish(testEvent)
	if len(client.messages()) != 0 {
		t.Errorf("expected nothing sent after connection lost, got %d", len(client.messages()))
	}
	if p.Buffered() != 1 {
		t.Errorf("expected 1 buffered event, got %d", p.Buffered())
	}
}

func TestRealPublisherReconnectPublishesSystemEvent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC))
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{Clock: clock})
	if len(client.messages()) != 0 {
		t.Fatalf("expected no messages on first connect, got %d", len(client.messages()))
	}

	client.setOpen(false)
	p.onConnectionLost(client, errors.New("EOF"))
	p.Publish(testEvent)
	clock.Advance(90 * time.Second)
	client.setOpen(true)
	p.onConnect(client)

	msgs := client.messages()
	if len(msgs) != 4 {
		t.Fatalf("expected RECONNECTED + 3 replayed, got %d", len(msgs))
	}
	if msgs[0].Topic != "meter/system" || msgs[0].QoS != 1 {
		t.Errorf("expected system message first, got %s (qos %d)", msgs[0].Topic, msgs[0].QoS)
	}
	var parsed SystemPayload
	if err := json.Unmarshal(msgs[0].Payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.System.Event != "RECONNECTED" {
		t.Errorf("expected RECONNECTED, got %s", parsed.System.Event)
	}
	if parsed.System.Timestamp != "2026-02-10T14:31:30Z" {
		t.Errorf("expected timestamp from injected clock, got %s", parsed.System.Timestamp)
	}
}

func TestRealPublisherPublishSystemQoS(t *testing.T) {
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{})

	err := p.PublishSystem(SystemEvent{Timestamp: testEvent.Timestamp, Event: "STARTUP", Retained: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].QoS != 1 || !msgs[0].Retained {
		t.Errorf("expected QoS 1 retained, got qos=%d retained=%v", msgs[0].QoS, msgs[0].Retained)
	}
}

func TestRealPublisherCommandSubscription(t *testing.T) {
	client := newFakeClient(true)
	var got []bool
	p := newTestPublisher(client, Options{OnCommand: func(on bool) { got = append(got, on) }})

	p.onConnect(client)

	handler, ok := client.subscribed["meter/output"]
	if !ok {
		t.Fatal("expected subscription to output topic")
	}

	handler(client, &fakeMessage{topic: "meter/output", payload: []byte("ON")})
	handler(client, &fakeMessage{topic: "meter/output", payload: []byte("bogus")})
	handler(client, &fakeMessage{topic: "meter/output", payload: []byte("OFF")})

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("unexpected commands: %v", got)
	}
}

func TestRealPublisherNoSubscriptionWithoutHandler(t *testing.T) {
	client := newFakeClient(true)
	p := newTestPublisher(client, Options{})

	p.onConnect(client)

	if len(client.subscribed) != 0 {
		t.Errorf("expected no subscriptions, got %v", client.subscribed)
	}
}

// Overflow drops the oldest whole event: the replay is the complete LOW set
// with no stray tail of the evicted HIGH set.
func TestRealPublisherOverflowKeepsWholeEvents(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{BufferSize: 1})

	p.Publish(testEvent)
	p.Publish(testLowEvent)
	if p.Buffered() != 1 {
		t.Fatalf("expected buffer capped at 1 event, got %d", p.Buffered())
	}

	client.setOpen(true)
	p.onConnect(client)

	msgs := client.messages()
	want := EventMessages(NewTopics("meter"), testLowEvent, time.UTC)
	if len(msgs) != len(want) {
		t.Fatalf("expected only the LOW set, got %v", topicsOf(msgs))
	}
	for i := range want {
		if msgs[i].Topic != want[i].Topic || string(msgs[i].Payload) != string(want[i].Payload) {
			t.Errorf("message %d: got %s=%s, want %s=%s", i, msgs[i].Topic, msgs[i].Payload, want[i].Topic, want[i].Payload)
		}
	}
}

func TestRealPublisherDefaultBufferSize(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})

	for i := 0; i < DefaultBufferSize+10; i++ {
		p.Publish(testEvent)
	}
	if p.Buffered() != DefaultBufferSize {
		t.Errorf("expected %d buffered events, got %d", DefaultBufferSize, p.Buffered())
	}
}

func TestRealPublisherIsConnected(t *testing.T) {
	client := newFakeClient(false)
	p := newTestPublisher(client, Options{})
	if p.IsConnected() {
		t.Error("expected disconnected")
	}
	client.setOpen(true)
	p.onConnect(client)
	if !p.IsConnected() {
		t.Error("expected connected")
	}
}

func TestRealPublisherClose(t *testing.T) {
	client := newFakeClient(false)
	p := connectedPublisher(client, Options{})
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.IsConnectionOpen() {
		t.Error("expected client disconnected")
	}
}
