package models

import "github.com/benmeehan/fleet-monitor/pkg/events"

// Fleet events published on the bus. Connection status lives in pkg/mqtt.
var (
	HeartbeatUpdated       = events.NewTopic[HeartbeatUpdate]("heartbeatUpdate")
	PrinterAdded           = events.NewTopic[PrinterAddedEvent]("printerAdded")
	DeviceDeleted          = events.NewTopic[DeviceDeletedEvent]("deviceDeleted")
	TaskStatusUpdated      = events.NewTopic[TaskStatusUpdate]("taskStatusUpdate")
	CommandResponded       = events.NewTopic[CommandResponse]("commandResponse")
	FirmwareChanged        = events.NewTopic[FirmwareChange]("firmwareChanged")
	PerformanceDataUpdated = events.NewTopic[[]PerformanceSample]("performanceDataUpdated")
)

type PrinterAddedEvent struct {
	Device Device
}

type DeviceDeletedEvent struct {
	DeviceID int64
}
