package models

import (
	"encoding/json"
	"time"
)

// PrintCommand is published on a printer's print topic.
type PrintCommand struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// TaskStatusPayload is reported by a printer on its task status topic.
type TaskStatusPayload struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TaskState tracks a print task until it completes.
type TaskState struct {
	TaskID    string    `json:"task_id"`
	DeviceID  int64     `json:"device_id"`
	Status    string    `json:"status"`
	Content   string    `json:"content,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStatusUpdate is emitted when a printer reports progress on a task.
type TaskStatusUpdate struct {
	DeviceID int64
	Task     TaskState
}

// CommandResponse is emitted for messages received on a printer's command topic.
type CommandResponse struct {
	DeviceID  int64
	Payload   json.RawMessage
	Timestamp time.Time
}
