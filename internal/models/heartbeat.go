package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMissingStatus is returned when a heartbeat carries no status code.
var ErrMissingStatus = errors.New("heartbeat: status is required")

// HeartbeatPayload is the JSON body a printer publishes on its heartbeat topic.
type HeartbeatPayload struct {
	Status          StatusCode `json:"status"`
	DeviceSerial    string     `json:"deviceSn,omitempty"`
	FirmwareVersion string     `json:"firmwareVersion,omitempty"`
}

// UnmarshalJSON requires a JSON object with a non-null status.
func (p *HeartbeatPayload) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status          *StatusCode `json:"status"`
		DeviceSerial    string      `json:"deviceSn"`
		FirmwareVersion string      `json:"firmwareVersion"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Status == nil {
		return ErrMissingStatus
	}

	*p = HeartbeatPayload{
		Status:          *wire.Status,
		DeviceSerial:    wire.DeviceSerial,
		FirmwareVersion: wire.FirmwareVersion,
	}
	return nil
}

// HeartbeatUpdate is emitted for every processed heartbeat and every timeout.
type HeartbeatUpdate struct {
	DeviceID        int64
	Status          StatusCode
	DeviceSerial    string
	FirmwareVersion string
	Timestamp       time.Time

	// TimedOut is set when the update was produced by a missed heartbeat.
	TimedOut bool

	// Error is set when the directory could not be updated.
	Error error
}

// FirmwareChange is emitted when a heartbeat reports a different firmware version.
type FirmwareChange struct {
	DeviceID int64
	Previous string
	Current  string
	Upgrade  bool
}
