package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/constants"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/file"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		models.BrokerConfig `yaml:",inline"`

		ClientIDPrefix   string        `yaml:"client_id_prefix"`  // Prefix of the per-session client id
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`   // Bound on a single connect attempt
		OperationTimeout time.Duration `yaml:"operation_timeout"` // Bound on publish/subscribe acknowledgements
		ReconnectDelay   time.Duration `yaml:"reconnect_delay"`   // Fixed wait before reconnecting after a loss
		DisconnectGrace  time.Duration `yaml:"disconnect_grace"`  // Reconnect suppression after a manual disconnect
		TeardownSettle   time.Duration `yaml:"teardown_settle"`   // Pause between sessions on config update
	} `yaml:"mqtt"`

	Heartbeat struct {
		Timeout       time.Duration `yaml:"timeout"`        // Silence after which a printer is offline
		SweepInterval time.Duration `yaml:"sweep_interval"` // Period of the stale-heartbeat sweep
		ListenerPoll  time.Duration `yaml:"listener_poll"`  // Poll period for deferred listeners
	} `yaml:"heartbeat"`

	Directory struct {
		Path            string        `yaml:"path"`             // SQLite database file
		BusyTimeout     time.Duration `yaml:"busy_timeout"`     // SQLite busy timeout
		RefreshInterval time.Duration `yaml:"refresh_interval"` // Period of the device cache refresh
	} `yaml:"directory"`

	Performance struct {
		Enabled        bool          `yaml:"enabled"`         // Enable/disable the performance sampler
		Interval       time.Duration `yaml:"interval"`        // Interval between samples
		MaxSamples     int           `yaml:"max_samples"`     // Samples kept in memory
		Workers        int           `yaml:"workers"`         // Collector worker pool size
		CollectTimeout time.Duration `yaml:"collect_timeout"` // Timeout for one collection round
		HostMetrics    bool          `yaml:"host_metrics"`    // Include host CPU and memory

		InfluxDB struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Token   string `yaml:"token"`
			Org     string `yaml:"org"`
			Bucket  string `yaml:"bucket"`
		} `yaml:"influxdb"`
	} `yaml:"performance"`

	Tasks struct {
		StateFile string `yaml:"state_file"` // JSON file holding in-flight print tasks
	} `yaml:"tasks"`

	Logging struct {
		Level string `yaml:"level"` // zerolog level name
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used for anything the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.MQTT.URL = "broker.emqx.io"
	cfg.MQTT.Port = mqtt.DefaultPort
	cfg.MQTT.Transport = mqtt.TransportWS
	cfg.MQTT.HeartbeatTopic = "printer/" + models.ClientIDPlaceholder + "/heartbeat"
	cfg.MQTT.TaskStatusTopic = "printer/" + models.ClientIDPlaceholder + "/task_status"
	cfg.MQTT.CommandTopic = "printer/" + models.ClientIDPlaceholder + "/command"
	cfg.MQTT.PrintTopic = "soticlone/" + models.ClientIDPlaceholder + "/user/server/print"
	cfg.MQTT.ClientIDPrefix = "fleet-monitor"

	timings := mqtt.DefaultTimings()
	cfg.MQTT.ConnectTimeout = timings.ConnectTimeout
	cfg.MQTT.OperationTimeout = timings.OperationTimeout
	cfg.MQTT.ReconnectDelay = timings.ReconnectDelay
	cfg.MQTT.DisconnectGrace = timings.ManualDisconnectGrace
	cfg.MQTT.TeardownSettle = timings.TeardownSettle

	cfg.Heartbeat.Timeout = constants.HeartbeatTimeout
	cfg.Heartbeat.SweepInterval = constants.SweepInterval
	cfg.Heartbeat.ListenerPoll = constants.ListenerPollInterval

	cfg.Directory.Path = "fleet.db"
	cfg.Directory.BusyTimeout = 5 * time.Second
	cfg.Directory.RefreshInterval = constants.DeviceRefreshInterval

	cfg.Performance.Enabled = true
	cfg.Performance.Interval = constants.DefaultSampleInterval
	cfg.Performance.MaxSamples = constants.DefaultMaxSamples
	cfg.Performance.Workers = 4
	cfg.Performance.CollectTimeout = constants.DefaultCollectTimeout
	cfg.Performance.HostMetrics = true

	cfg.Tasks.StateFile = "tasks.json"
	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads the YAML configuration from the specified file on top of
// the defaults, applies FLEET_* environment overrides and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()

	if err := fileClient.ReadYamlFile(filename, config); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func applyEnvOverrides(cfg *Config) error {
	// MQTT
	if v := os.Getenv("FLEET_MQTT_URL"); v != "" {
		cfg.MQTT.URL = v
	}
	if v := os.Getenv("FLEET_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: FLEET_MQTT_PORT: %w", ErrInvalidConfig, err)
		}
		cfg.MQTT.Port = port
	}
	if v := os.Getenv("FLEET_MQTT_TRANSPORT"); v != "" {
		cfg.MQTT.Transport = v
	}
	if v := os.Getenv("FLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("FLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Directory
	if v := os.Getenv("FLEET_DIRECTORY_PATH"); v != "" {
		cfg.Directory.Path = v
	}

	// InfluxDB
	if v := os.Getenv("FLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.Performance.InfluxDB.Token = v
	}

	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if err := c.MQTT.BrokerConfig.Validate(); err != nil {
		return fmt.Errorf("%w: mqtt: %w", ErrInvalidConfig, err)
	}

	durations := map[string]time.Duration{
		"mqtt.connect_timeout":       c.MQTT.ConnectTimeout,
		"mqtt.operation_timeout":     c.MQTT.OperationTimeout,
		"mqtt.reconnect_delay":       c.MQTT.ReconnectDelay,
		"heartbeat.timeout":          c.Heartbeat.Timeout,
		"heartbeat.sweep_interval":   c.Heartbeat.SweepInterval,
		"heartbeat.listener_poll":    c.Heartbeat.ListenerPoll,
		"directory.refresh_interval": c.Directory.RefreshInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if c.Directory.Path == "" {
		return fmt.Errorf("%w: directory.path is required", ErrInvalidConfig)
	}

	if c.Performance.Enabled {
		if c.Performance.Interval <= 0 || c.Performance.MaxSamples <= 0 || c.Performance.Workers <= 0 {
			return fmt.Errorf("%w: performance interval, max_samples and workers must be positive", ErrInvalidConfig)
		}
		influx := c.Performance.InfluxDB
		if influx.Enabled && (influx.URL == "" || influx.Org == "" || influx.Bucket == "") {
			return fmt.Errorf("%w: performance.influxdb needs url, org and bucket", ErrInvalidConfig)
		}
	}

	if c.Tasks.StateFile == "" {
		return fmt.Errorf("%w: tasks.state_file is required", ErrInvalidConfig)
	}
	return nil
}

// Timings returns the connection manager timings.
func (c *Config) Timings() mqtt.Timings {
	return mqtt.Timings{
		ConnectTimeout:        c.MQTT.ConnectTimeout,
		OperationTimeout:      c.MQTT.OperationTimeout,
		ReconnectDelay:        c.MQTT.ReconnectDelay,
		ManualDisconnectGrace: c.MQTT.DisconnectGrace,
		TeardownSettle:        c.MQTT.TeardownSettle,
	}
}

// ConnectionConfig returns the broker connection parameters including the client id prefix.
func (c *Config) ConnectionConfig() mqtt.ConnectionConfig {
	conn := c.MQTT.BrokerConfig.ConnectionConfig()
	conn.ClientIDPrefix = c.MQTT.ClientIDPrefix
	return conn
}
