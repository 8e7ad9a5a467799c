package services

import (
	"context"
	"sync"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeConn stands in for the connection manager: it satisfies Broker and
// Connection and emits connection status on the bus like the real one.
type fakeConn struct {
	bus *events.Bus

	mu           sync.Mutex
	connected    bool
	connectErr   error
	handlers     map[string]mqtt.MessageHandler
	published    []publishedMessage
	unsubscribed []string
	configs      []mqtt.ConnectionConfig
	disconnects  int
}

func newFakeConn(bus *events.Bus) *fakeConn {
	return &fakeConn{bus: bus, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeConn) Connect(_ context.Context, cfg mqtt.ConnectionConfig) error {
	c.mu.Lock()
	c.configs = append(c.configs, cfg)
	err := c.connectErr
	c.connected = err == nil
	c.mu.Unlock()

	if err != nil {
		events.Emit(c.bus, mqtt.ConnectionStatusChanged, mqtt.StatusEvent{Status: mqtt.StateError, Error: err})
		return err
	}
	events.Emit(c.bus, mqtt.ConnectionStatusChanged, mqtt.StatusEvent{Status: mqtt.StateConnected})
	return nil
}

func (c *fakeConn) UpdateConfig(ctx context.Context, cfg mqtt.ConnectionConfig) error {
	c.Disconnect()
	return c.Connect(ctx, cfg)
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.handlers = make(map[string]mqtt.MessageHandler)
	c.disconnects++
	c.mu.Unlock()

	if wasConnected {
		events.Emit(c.bus, mqtt.ConnectionStatusChanged, mqtt.StatusEvent{Status: mqtt.StateDisconnected})
	}
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *fakeConn) Publish(topic string, _ byte, _ bool, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return mqtt.ErrNotConnected
	}
	data, _ := payload.([]byte)
	c.published = append(c.published, publishedMessage{topic: topic, payload: data})
	return nil
}

func (c *fakeConn) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return mqtt.ErrNotConnected
	}
	c.handlers[topic] = handler
	return nil
}

func (c *fakeConn) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
		c.unsubscribed = append(c.unsubscribed, topic)
	}
	return nil
}

// deliver plays a broker message through the subscribed handler.
func (c *fakeConn) deliver(topic string, payload string) bool {
	c.mu.Lock()
	handler, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(topic, []byte(payload))
	return true
}

func (c *fakeConn) subscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (c *fakeConn) publishedMessages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

func testBrokerConfig() models.BrokerConfig {
	return models.BrokerConfig{
		URL:             "broker.example.com",
		Port:            8083,
		Transport:       "ws",
		QoS:             1,
		HeartbeatTopic:  "printer/{client_id}/heartbeat",
		TaskStatusTopic: "printer/{client_id}/task_status",
		CommandTopic:    "printer/{client_id}/command",
		PrintTopic:      "soticlone/{client_id}/user/server/print",
	}
}

// recorder collects events of one topic.
type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func record[T any](bus *events.Bus, topic events.Topic[T], name string) *recorder[T] {
	r := &recorder[T]{}
	if err := events.On(bus, topic, name, r.add); err != nil {
		panic(err)
	}
	return r
}

func (r *recorder[T]) add(e T) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
