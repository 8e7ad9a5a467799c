package models

import (
	"fmt"
	"strings"

	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
)

// ClientIDPlaceholder is substituted with a printer's client id in topic templates.
const ClientIDPlaceholder = "{client_id}"

// BrokerConfig is the broker connection and topic layout in effect for one session.
type BrokerConfig struct {
	URL       string `yaml:"url" json:"broker_url"`
	Port      int    `yaml:"port" json:"port"`
	Transport string `yaml:"transport" json:"protocol"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	QoS       byte   `yaml:"qos" json:"qos"`

	HeartbeatTopic  string `yaml:"heartbeat_topic" json:"heartbeat_topic"`
	TaskStatusTopic string `yaml:"task_status_topic" json:"task_status_topic"`
	CommandTopic    string `yaml:"command_topic" json:"command_topic"`
	PrintTopic      string `yaml:"print_topic" json:"print_topic"`
}

// ConnectionConfig projects the connection parameters.
func (b BrokerConfig) ConnectionConfig() mqtt.ConnectionConfig {
	return mqtt.ConnectionConfig{
		URL:       b.URL,
		Port:      b.Port,
		Transport: b.Transport,
		Username:  b.Username,
		Password:  b.Password,
	}
}

// Validate checks the connection parameters and the topic templates.
func (b BrokerConfig) Validate() error {
	if err := b.ConnectionConfig().Validate(); err != nil {
		return err
	}
	if b.QoS > 2 {
		return mqtt.ErrInvalidQoS
	}

	templates := []struct{ name, value string }{
		{"heartbeat_topic", b.HeartbeatTopic},
		{"task_status_topic", b.TaskStatusTopic},
		{"command_topic", b.CommandTopic},
		{"print_topic", b.PrintTopic},
	}
	for _, tmpl := range templates {
		if strings.Count(tmpl.value, ClientIDPlaceholder) != 1 {
			return fmt.Errorf("%w: %s must contain %s exactly once", mqtt.ErrInvalidConfig, tmpl.name, ClientIDPlaceholder)
		}
		if strings.ContainsAny(tmpl.value, "+#") {
			return fmt.Errorf("%w: %s must not contain wildcards", mqtt.ErrInvalidConfig, tmpl.name)
		}
	}

	// Inbound topics are told apart by template, so they must differ.
	if b.HeartbeatTopic == b.TaskStatusTopic || b.HeartbeatTopic == b.CommandTopic || b.TaskStatusTopic == b.CommandTopic {
		return fmt.Errorf("%w: heartbeat, task status and command topics must differ", mqtt.ErrInvalidConfig)
	}
	return nil
}
