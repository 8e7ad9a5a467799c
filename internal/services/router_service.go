package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/internal/utils"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

const routerListenerName = "topic-router"

// Broker is the part of the connection manager the services publish and subscribe through.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
}

// TopicKind identifies which of a printer's inbound topics a message arrived on.
type TopicKind int

const (
	TopicHeartbeat TopicKind = iota
	TopicTaskStatus
	TopicCommand
)

func (k TopicKind) String() string {
	switch k {
	case TopicHeartbeat:
		return "heartbeat"
	case TopicTaskStatus:
		return "task_status"
	case TopicCommand:
		return "command"
	default:
		return "unknown"
	}
}

var inboundKinds = []TopicKind{TopicHeartbeat, TopicTaskStatus, TopicCommand}

// TopicTemplates resolves per-printer topics from {client_id} templates.
type TopicTemplates struct {
	inbound [3]string
	print   string
}

// NewTopicTemplates takes the templates from a broker configuration.
func NewTopicTemplates(cfg models.BrokerConfig) TopicTemplates {
	return TopicTemplates{
		inbound: [3]string{cfg.HeartbeatTopic, cfg.TaskStatusTopic, cfg.CommandTopic},
		print:   cfg.PrintTopic,
	}
}

// Resolve returns the concrete inbound topic of the given kind.
func (t TopicTemplates) Resolve(kind TopicKind, clientID string) string {
	return strings.Replace(t.inbound[kind], models.ClientIDPlaceholder, clientID, 1)
}

// ResolveAll returns the inbound topics of a printer in kind order.
func (t TopicTemplates) ResolveAll(clientID string) []string {
	topics := make([]string, 0, len(inboundKinds))
	for _, kind := range inboundKinds {
		topics = append(topics, t.Resolve(kind, clientID))
	}
	return topics
}

// PrintTopic returns the outbound print topic of a printer.
func (t TopicTemplates) PrintTopic(clientID string) string {
	return strings.Replace(t.print, models.ClientIDPlaceholder, clientID, 1)
}

// Match reverses a concrete topic into the client id and topic kind.
func (t TopicTemplates) Match(topic string) (string, TopicKind, bool) {
	for _, kind := range inboundKinds {
		prefix, suffix, found := strings.Cut(t.inbound[kind], models.ClientIDPlaceholder)
		if !found || len(topic) <= len(prefix)+len(suffix) {
			continue
		}
		if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
			continue
		}
		clientID := topic[len(prefix) : len(topic)-len(suffix)]
		if strings.Contains(clientID, "/") {
			continue
		}
		return clientID, kind, true
	}
	return "", 0, false
}

// DeviceMessageHandler processes a message from a known printer.
type DeviceMessageHandler func(device models.Device, payload json.RawMessage)

// TopicRouter subscribes each known printer's topics and dispatches inbound
// messages to the handler registered for the topic kind.
type TopicRouter struct {
	broker Broker
	bus    *events.Bus
	logger zerolog.Logger

	mu        sync.RWMutex
	templates TopicTemplates
	qos       byte
	handlers  map[TopicKind]DeviceMessageHandler

	// topic -> device id, only for acknowledged subscriptions
	subscriptions cmap.ConcurrentMap[string, int64]
	// client id -> device
	devices cmap.ConcurrentMap[string, models.Device]
}

// NewTopicRouter creates a router for the given broker layout.
func NewTopicRouter(broker Broker, bus *events.Bus, cfg models.BrokerConfig, logger zerolog.Logger) *TopicRouter {
	return &TopicRouter{
		broker:        broker,
		bus:           bus,
		logger:        logger,
		templates:     NewTopicTemplates(cfg),
		qos:           cfg.QoS,
		handlers:      make(map[TopicKind]DeviceMessageHandler),
		subscriptions: cmap.New[int64](),
		devices:       cmap.New[models.Device](),
	}
}

// Handle registers the handler for a topic kind.
func (r *TopicRouter) Handle(kind TopicKind, handler DeviceMessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Start follows the connection status: every new session re-subscribes all
// known printers, any other state clears the subscription map.
func (r *TopicRouter) Start() error {
	if err := events.On(r.bus, mqtt.ConnectionStatusChanged, routerListenerName, r.onConnectionStatus); err != nil {
		return fmt.Errorf("topic router: %w", err)
	}
	r.logger.Info().Msg("TopicRouter started successfully")
	return nil
}

// Stop detaches the router from connection status events.
func (r *TopicRouter) Stop() error {
	if !events.Off(r.bus, mqtt.ConnectionStatusChanged, routerListenerName) {
		return errors.New("topic router is not running")
	}
	r.Reset()
	r.logger.Info().Msg("TopicRouter stopped successfully")
	return nil
}

func (r *TopicRouter) onConnectionStatus(e mqtt.StatusEvent) {
	if e.Status == mqtt.StateConnected {
		if err := r.SubscribeAll(r.Devices()); err != nil {
			r.logger.Error().Err(err).Msg("Failed to subscribe all printers after connect")
		}
		return
	}
	r.Reset()
}

// SetTemplates switches to a new topic layout. Existing mappings are dropped;
// the next connect subscribes with the new layout.
func (r *TopicRouter) SetTemplates(cfg models.BrokerConfig) {
	r.mu.Lock()
	r.templates = NewTopicTemplates(cfg)
	r.qos = cfg.QoS
	r.mu.Unlock()
	r.Reset()
}

// Templates returns the current topic layout.
func (r *TopicRouter) Templates() TopicTemplates {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates
}

// SubscribeAll subscribes every device. It does nothing while disconnected.
func (r *TopicRouter) SubscribeAll(devices []models.Device) error {
	if !r.broker.IsConnected() {
		r.logger.Debug().Msg("Not connected, skipping subscribe all")
		return nil
	}

	var errs []error
	for _, device := range devices {
		if err := r.SubscribeOne(device); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info().Int("devices", len(devices)).Int("subscriptions", r.subscriptions.Count()).Msg("Subscribed printer topics")
	return errors.Join(errs...)
}

// SubscribeOne caches the device and subscribes its inbound topics. Topics
// already subscribed are skipped.
func (r *TopicRouter) SubscribeOne(device models.Device) error {
	r.devices.Set(device.ClientID, device)

	if !r.broker.IsConnected() {
		return nil
	}

	templates := r.Templates()
	qos := r.qosLevel()

	var errs []error
	for _, topic := range templates.ResolveAll(device.ClientID) {
		if r.subscriptions.Has(topic) {
			continue
		}
		if err := r.broker.Subscribe(topic, qos, r.Route); err != nil {
			r.logger.Error().Err(err).Str("topic", topic).Int64("device_id", device.ID).Msg("Failed to subscribe printer topic")
			errs = append(errs, err)
			continue
		}
		r.subscriptions.Set(topic, device.ID)
		r.logger.Debug().Str("topic", topic).Int64("device_id", device.ID).Msg("Subscribed printer topic")
	}
	return errors.Join(errs...)
}

// UnsubscribeOne forgets the device and its mappings, then unsubscribes its
// topics. Mappings are removed even when the broker call fails.
func (r *TopicRouter) UnsubscribeOne(device models.Device) error {
	r.devices.Remove(device.ClientID)

	topics := r.Templates().ResolveAll(device.ClientID)
	for _, topic := range topics {
		r.subscriptions.Remove(topic)
	}

	if !r.broker.IsConnected() {
		return nil
	}
	if err := r.broker.Unsubscribe(topics...); err != nil {
		r.logger.Warn().Err(err).Int64("device_id", device.ID).Msg("Failed to unsubscribe printer topics")
		return err
	}
	return nil
}

// SyncDevices replaces the device cache with devices, subscribing new
// printers and unsubscribing vanished ones. It returns the removed devices.
func (r *TopicRouter) SyncDevices(devices []models.Device) []models.Device {
	clientIDs := make([]string, 0, len(devices))
	for _, device := range devices {
		clientIDs = append(clientIDs, device.ClientID)
	}
	current := utils.SliceToSet(clientIDs)

	var removed []models.Device
	for _, cached := range r.Devices() {
		if _, ok := current[cached.ClientID]; !ok {
			removed = append(removed, cached)
		}
	}
	for _, device := range removed {
		_ = r.UnsubscribeOne(device)
	}

	for _, device := range devices {
		if err := r.SubscribeOne(device); err != nil {
			r.logger.Warn().Err(err).Str("client_id", device.ClientID).Msg("Printer subscription incomplete")
		}
	}
	return removed
}

// Reset clears all topic mappings. The device cache is kept.
func (r *TopicRouter) Reset() {
	r.subscriptions.Clear()
}

// Devices returns a snapshot of the cached devices.
func (r *TopicRouter) Devices() []models.Device {
	devices := make([]models.Device, 0, r.devices.Count())
	for _, device := range r.devices.Items() {
		devices = append(devices, device)
	}
	return devices
}

// Device looks up a cached device by client id.
func (r *TopicRouter) Device(clientID string) (models.Device, bool) {
	return r.devices.Get(clientID)
}

// DeviceByID looks up a cached device by directory id.
func (r *TopicRouter) DeviceByID(id int64) (models.Device, bool) {
	for _, device := range r.devices.Items() {
		if device.ID == id {
			return device, true
		}
	}
	return models.Device{}, false
}

// SubscriptionCount returns the number of mapped topics.
func (r *TopicRouter) SubscriptionCount() int {
	return r.subscriptions.Count()
}

// SubscribedDevice returns the device id mapped to topic.
func (r *TopicRouter) SubscribedDevice(topic string) (int64, bool) {
	return r.subscriptions.Get(topic)
}

// Route dispatches one inbound message. Malformed JSON, unknown topics and
// unknown printers are logged and dropped.
func (r *TopicRouter) Route(topic string, payload []byte) {
	if !json.Valid(payload) {
		r.logger.Warn().Str("topic", topic).Int("bytes", len(payload)).Msg("Dropping malformed MQTT message")
		return
	}

	clientID, kind, ok := r.Templates().Match(topic)
	if !ok {
		r.logger.Warn().Str("topic", topic).Msg("Unknown message type")
		return
	}

	device, ok := r.devices.Get(clientID)
	if !ok {
		r.logger.Warn().Str("client_id", clientID).Str("topic", topic).Msg("Printer not found")
		return
	}

	r.mu.RLock()
	handler := r.handlers[kind]
	r.mu.RUnlock()
	if handler == nil {
		r.logger.Debug().Str("topic", topic).Str("kind", kind.String()).Msg("No handler for message")
		return
	}

	r.logger.Debug().Str("topic", topic).Int64("device_id", device.ID).Str("kind", kind.String()).Msg("Received MQTT message")
	handler(device, json.RawMessage(payload))
}

func (r *TopicRouter) qosLevel() byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.qos
}
