package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/benmeehan/fleet-monitor/pkg/events"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// MQTTClient defines the subset of the paho client the manager drives.
type MQTTClient interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// ClientFactory builds a client for one session.
type ClientFactory func(opts *paho.ClientOptions) MQTTClient

// NewPahoClient is the production ClientFactory.
func NewPahoClient(opts *paho.ClientOptions) MQTTClient {
	return paho.NewClient(opts)
}

// MessageHandler receives messages for a subscribed topic. It must not block
// for long; paho delivers messages for all topics on one goroutine.
type MessageHandler func(topic string, payload []byte)

// ConnectionManager owns the single broker session and its reconnect policy.
//
// Every session gets a number. Handlers and timers capture the number of the
// session they were created for and do nothing once it is no longer current,
// which is how a torn-down session is kept from firing stale callbacks.
type ConnectionManager struct {
	// lifecycleMu serializes Connect, UpdateConfig and automatic reconnects.
	lifecycleMu sync.Mutex

	mu               sync.RWMutex
	state            State
	client           MQTTClient
	cfg              *ConnectionConfig
	session          uint64
	manualDisconnect bool
	reconnectTimer   clockwork.Timer
	graceTimer       clockwork.Timer

	bus     *events.Bus
	factory ClientFactory
	clock   clockwork.Clock
	timings Timings
	logger  zerolog.Logger
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(bus *events.Bus, factory ClientFactory, clock clockwork.Clock, timings Timings, logger zerolog.Logger) *ConnectionManager {
	if factory == nil {
		factory = NewPahoClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		state:   StateDisconnected,
		bus:     bus,
		factory: factory,
		clock:   clock,
		timings: timings,
		logger:  logger,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Config returns the configuration of the most recent connect attempt.
func (m *ConnectionManager) Config() ConnectionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return ConnectionConfig{}
	}
	return *m.cfg
}

// IsConnected reports whether a session is live.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect opens a session with cfg, replacing any existing one. It returns
// once the broker acknowledged the connection, or with an error on refusal,
// timeout or ctx cancellation. A failed Connect is not retried.
//
// Listeners of ConnectionStatusChanged run synchronously inside Connect and
// must not call Connect or UpdateConfig.
func (m *ConnectionManager) Connect(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.teardown()
	if err := m.open(ctx, cfg); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// Disconnect closes the session and suppresses automatic reconnects for the
// grace window. It does not wait for an in-flight Connect; that attempt is
// abandoned when it completes.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.manualDisconnect = true
	m.stopReconnectTimerLocked()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = m.clock.AfterFunc(m.timings.ManualDisconnectGrace, m.clearManualDisconnect)

	client := m.client
	m.client = nil
	m.session++
	previous := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}

	m.logger.Info().Str("previous_state", previous.String()).Msg("MQTT disconnected manually")
	if previous != StateDisconnected {
		m.emit(StateDisconnected, nil)
	}
}

// UpdateConfig tears the current session down completely and connects with
// cfg. Calls are serialized with Connect. An invalid cfg is rejected before
// the current session is touched.
func (m *ConnectionManager) UpdateConfig(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.teardown() && m.timings.TeardownSettle > 0 {
		m.clock.Sleep(m.timings.TeardownSettle)
	}

	if err := m.open(ctx, cfg); err != nil {
		m.logger.Error().Err(err).Str("broker", cfg.BrokerURL()).Msg("Failed to apply new MQTT configuration")
		m.fail(err)
		return err
	}

	m.logger.Info().Str("broker", cfg.BrokerURL()).Msg("MQTT configuration updated and reconnected")
	return nil
}

// Publish sends payload to topic on the current session.
func (m *ConnectionManager) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	client, _, err := m.liveClient()
	if err != nil {
		return err
	}
	return m.await(client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// Subscribe registers handler for topic on the current session. The handler
// stops receiving messages once the session ends.
func (m *ConnectionManager) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	client, session, err := m.liveClient()
	if err != nil {
		return err
	}
	return m.await(client.Subscribe(topic, qos, m.wrapHandler(session, handler)), ErrSubscribeFailed)
}

// Unsubscribe removes topics from the current session.
func (m *ConnectionManager) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}

	client, _, err := m.liveClient()
	if err != nil {
		return err
	}
	return m.await(client.Unsubscribe(topics...), ErrUnsubscribeFailed)
}

// open runs one connect attempt. lifecycleMu must be held.
func (m *ConnectionManager) open(ctx context.Context, cfg ConnectionConfig) error {
	m.mu.Lock()
	m.session++
	session := m.session
	stored := cfg
	m.cfg = &stored
	m.state = StateConnecting
	m.mu.Unlock()
	m.emit(StateConnecting, nil)

	clientID := newClientID(cfg.ClientIDPrefix)
	opts := buildClientOptions(cfg, clientID, m.timings)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		m.handleConnectionLost(session, err)
	})

	client := m.factory(opts)
	m.logger.Info().Str("broker", cfg.BrokerURL()).Str("client_id", clientID).Msg("Connecting to MQTT broker")

	var attemptErr error
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			attemptErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		attemptErr = fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-m.clock.After(m.timings.ConnectTimeout):
		client.Disconnect(0)
		attemptErr = fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, m.timings.ConnectTimeout)
	}
	if attemptErr != nil {
		if m.currentSession() != session {
			return ErrConnectionAborted
		}
		return attemptErr
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		client.Disconnect(0)
		return ErrConnectionAborted
	}
	m.client = client
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info().Str("broker", cfg.BrokerURL()).Msg("MQTT connection successful")
	m.emit(StateConnected, nil)
	return nil
}

// teardown closes the current session, if any, and reports whether one was open.
func (m *ConnectionManager) teardown() bool {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	client := m.client
	m.client = nil
	m.session++
	previous := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if client == nil {
		return false
	}
	client.Disconnect(disconnectQuiesce)
	if previous != StateDisconnected {
		m.emit(StateDisconnected, nil)
	}
	return true
}

// fail records a failed attempt. An attempt superseded by Disconnect leaves
// the state alone.
func (m *ConnectionManager) fail(err error) {
	if err == ErrConnectionAborted {
		return
	}
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()

	m.logger.Error().Err(err).Msg("MQTT connection error")
	m.emit(StateError, err)
}

// handleConnectionLost is paho's connection-lost callback for one session.
func (m *ConnectionManager) handleConnectionLost(session uint64, err error) {
	m.mu.Lock()
	if session != m.session || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.client = nil

	if m.manualDisconnect {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emit(StateDisconnected, err)
		return
	}

	m.state = StateReconnecting
	m.scheduleReconnectLocked(session)
	m.mu.Unlock()

	m.logger.Warn().Err(err).Dur("retry_in", m.timings.ReconnectDelay).Msg("MQTT connection lost, scheduling reconnect")
	m.emit(StateReconnecting, err)
}

func (m *ConnectionManager) scheduleReconnectLocked(session uint64) {
	m.stopReconnectTimerLocked()
	m.reconnectTimer = m.clock.AfterFunc(m.timings.ReconnectDelay, func() {
		m.reconnect(session)
	})
}

func (m *ConnectionManager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// reconnect is the body of the reconnect timer. The manual-disconnect flag
// and the session number are both rechecked here because the timer may have
// fired before Disconnect managed to stop it.
func (m *ConnectionManager) reconnect(session uint64) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.manualDisconnect || session != m.session || m.state != StateReconnecting || m.cfg == nil {
		m.mu.Unlock()
		m.logger.Debug().Msg("Skipping stale MQTT reconnect")
		return
	}
	m.reconnectTimer = nil
	cfg := *m.cfg
	m.mu.Unlock()

	err := m.open(context.Background(), cfg)
	if err == nil {
		return
	}
	if err == ErrConnectionAborted || IsBrokerRefusal(err) {
		m.logger.Error().Err(err).Msg("Auto-reconnect failed")
		m.fail(err)
		return
	}

	m.mu.Lock()
	if m.manualDisconnect {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.scheduleReconnectLocked(m.session)
	m.mu.Unlock()

	m.logger.Warn().Err(err).Dur("retry_in", m.timings.ReconnectDelay).Msg("Auto-reconnect failed, retrying")
	m.emit(StateReconnecting, err)
}

func (m *ConnectionManager) clearManualDisconnect() {
	m.mu.Lock()
	m.manualDisconnect = false
	m.mu.Unlock()
}

func (m *ConnectionManager) liveClient() (MQTTClient, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.client == nil {
		return nil, 0, ErrNotConnected
	}
	return m.client, m.session, nil
}

func (m *ConnectionManager) currentSession() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *ConnectionManager) await(token paho.Token, failure error) error {
	if !token.WaitTimeout(m.timings.OperationTimeout) {
		return fmt.Errorf("%w: %w after %v", failure, ErrTimeout, m.timings.OperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", failure, err)
	}
	return nil
}

// wrapHandler adapts handler to paho, dropping messages from ended sessions
// and recovering handler panics.
func (m *ConnectionManager) wrapHandler(session uint64, handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if m.currentSession() != session {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Str("topic", msg.Topic()).Interface("panic", r).Msg("MQTT handler panic recovered")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

func (m *ConnectionManager) emit(state State, err error) {
	if m.bus == nil {
		return
	}
	events.Emit(m.bus, ConnectionStatusChanged, StatusEvent{Status: state, Error: err})
}
