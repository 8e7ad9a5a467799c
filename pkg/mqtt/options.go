package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// TransportWS is plain websocket transport.
	TransportWS = "ws"

	// TransportWSS is websocket over TLS.
	TransportWSS = "wss"

	// DefaultPort is the conventional broker websocket port.
	DefaultPort = 8083

	// defaultKeepAlive is the keepalive interval for the session.
	defaultKeepAlive = 60 * time.Second

	// disconnectQuiesce is the time in milliseconds paho waits for pending work on disconnect.
	disconnectQuiesce = 250

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// ConnectionConfig holds the broker connection parameters. A value is
// immutable for the lifetime of one session.
type ConnectionConfig struct {
	URL       string
	Port      int
	Transport string
	Username  string
	Password  string

	// ClientIDPrefix is joined with a fresh UUID for every session.
	ClientIDPrefix string
}

// Validate checks the configuration before any connect attempt.
func (c ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: broker url is required", ErrInvalidConfig)
	}
	switch c.transport() {
	case TransportWS, TransportWSS:
	default:
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// BrokerURL renders transport://url:port/mqtt.
func (c ConnectionConfig) BrokerURL() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s://%s:%d/mqtt", c.transport(), c.URL, port)
}

func (c ConnectionConfig) transport() string {
	if c.Transport == "" {
		return TransportWS
	}
	return strings.ToLower(c.Transport)
}

// newClientID generates the per-session client identifier.
func newClientID(prefix string) string {
	if prefix == "" {
		prefix = "fleet-monitor"
	}
	return prefix + "-" + uuid.New().String()
}

// Timings groups the durations that drive the connection state machine.
type Timings struct {
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration

	// OperationTimeout bounds publish, subscribe and unsubscribe acknowledgements.
	OperationTimeout time.Duration

	// ReconnectDelay is the fixed wait between an unexpected loss and the retry.
	ReconnectDelay time.Duration

	// ManualDisconnectGrace is how long a manual disconnect suppresses reconnects.
	ManualDisconnectGrace time.Duration

	// TeardownSettle is the pause between closing the old session and opening
	// the new one during UpdateConfig.
	TeardownSettle time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		ConnectTimeout:        30 * time.Second,
		OperationTimeout:      10 * time.Second,
		ReconnectDelay:        5 * time.Second,
		ManualDisconnectGrace: time.Second,
		TeardownSettle:        100 * time.Millisecond,
	}
}

// buildClientOptions creates paho options for one session.
//
// Reconnection is driven by ConnectionManager, so paho's own auto-reconnect
// and connect-retry are switched off.
func buildClientOptions(cfg ConnectionConfig, clientID string, timings Timings) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(timings.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// Per-topic delivery order must match broker order.
	opts.SetOrderMatters(true)

	return opts
}
