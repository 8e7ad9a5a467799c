package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusCode is the printer status reported in heartbeats and stored in the directory.
type StatusCode int

const (
	StatusOnline           StatusCode = 0
	StatusOffline          StatusCode = 1
	StatusOutOfPaper       StatusCode = 2
	StatusCoverOpen        StatusCode = 3
	StatusOverheated       StatusCode = 4
	StatusOutOfConsumables StatusCode = 5
)

// String returns the display name of the status.
func (s StatusCode) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusOutOfPaper:
		return "out of paper"
	case StatusCoverOpen:
		return "cover open"
	case StatusOverheated:
		return "overheated"
	case StatusOutOfConsumables:
		return "out of consumable"
	default:
		return "unknown"
	}
}

// Known reports whether s is one of the defined codes.
func (s StatusCode) Known() bool {
	return s >= StatusOnline && s <= StatusOutOfConsumables
}

// IsWarning reports whether s is a fault state of a reachable printer.
func (s StatusCode) IsWarning() bool {
	return s >= StatusOutOfPaper && s <= StatusOutOfConsumables
}

// UnmarshalJSON accepts both 3 and "3". Printers in the field send either.
func (s *StatusCode) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("status is null")
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		raw = strings.TrimSpace(text)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid status %s: %w", string(data), err)
	}
	*s = StatusCode(n)
	return nil
}

// Device is one printer known to the directory.
type Device struct {
	ID              int64      `json:"id"`
	ClientID        string     `json:"client_id"`
	DisplayName     string     `json:"name"`
	Status          StatusCode `json:"status"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	DeviceSerial    string     `json:"device_sn,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Stats summarizes the fleet by status.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Warning int `json:"warning"`
}

// OnlineRate is the percentage of devices currently online.
func (s Stats) OnlineRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Online) / float64(s.Total) * 100
}

// ErrorRate is the percentage of devices in a warning state.
func (s Stats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Warning) / float64(s.Total) * 100
}
