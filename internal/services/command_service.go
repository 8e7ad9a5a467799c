package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benmeehan/fleet-monitor/internal/constants"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/internal/state_managers"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrEmptyPrintContent is returned when a print command carries no content.
var ErrEmptyPrintContent = errors.New("print content cannot be empty")

// TemplateSource provides the topic layout in effect.
type TemplateSource interface {
	Templates() TopicTemplates
}

// CommandService sends print jobs to printers and follows their progress on
// the task status and command topics.
type CommandService struct {
	broker       Broker
	templates    TemplateSource
	stateManager *state_managers.TaskStateManager
	bus          *events.Bus
	clock        clockwork.Clock
	qos          byte
	logger       zerolog.Logger
}

// NewCommandService initializes a new CommandService.
func NewCommandService(broker Broker, templates TemplateSource, stateManager *state_managers.TaskStateManager,
	bus *events.Bus, clock clockwork.Clock, qos byte, logger zerolog.Logger) *CommandService {

	return &CommandService{
		broker:       broker,
		templates:    templates,
		stateManager: stateManager,
		bus:          bus,
		clock:        clock,
		qos:          qos,
		logger:       logger,
	}
}

// SendPrintCommand publishes content as a new print task and records it as pending.
func (cs *CommandService) SendPrintCommand(ctx context.Context, device models.Device, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyPrintContent
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	command := models.PrintCommand{
		TaskID:  uuid.New().String(),
		Content: content,
	}
	data, err := json.Marshal(command)
	if err != nil {
		return "", fmt.Errorf("failed to serialize print command: %w", err)
	}

	topic := cs.templates.Templates().PrintTopic(device.ClientID)
	if err := cs.broker.Publish(topic, cs.qos, false, data); err != nil {
		cs.logger.Error().Err(err).Str("topic", topic).Int64("device_id", device.ID).Msg("Failed to publish print command")
		return "", err
	}
	cs.logger.Info().Str("topic", topic).Int64("device_id", device.ID).Str("task_id", command.TaskID).Msg("Print command sent")

	state, err := cs.stateManager.UpdateTaskState(models.TaskState{
		TaskID:    command.TaskID,
		DeviceID:  device.ID,
		Status:    constants.TaskStatusPending,
		Content:   content,
		UpdatedAt: cs.clock.Now(),
	})
	if err != nil {
		// The printer already has the job; losing the local record is not fatal.
		cs.logger.Error().Err(err).Str("task_id", command.TaskID).Msg("Failed to record print task")
	}

	events.Emit(cs.bus, models.TaskStatusUpdated, models.TaskStatusUpdate{DeviceID: device.ID, Task: state})
	return command.TaskID, nil
}

// SendSelfTest asks the printer to print its self-test page.
func (cs *CommandService) SendSelfTest(ctx context.Context, device models.Device) (string, error) {
	return cs.SendPrintCommand(ctx, device, constants.SelfTestCommand)
}

// HandleTaskStatus records progress reported by a printer. Tasks that reach
// a final status are removed from the state file.
func (cs *CommandService) HandleTaskStatus(device models.Device, payload json.RawMessage) {
	var report models.TaskStatusPayload
	if err := json.Unmarshal(payload, &report); err != nil {
		cs.logger.Warn().Err(err).Int64("device_id", device.ID).Msg("Dropping invalid task status")
		return
	}
	if report.TaskID == "" || report.Status == "" {
		cs.logger.Warn().Int64("device_id", device.ID).Msg("Task status without task id or status")
		return
	}

	state, err := cs.stateManager.UpdateTaskState(models.TaskState{
		TaskID:    report.TaskID,
		DeviceID:  device.ID,
		Status:    report.Status,
		Message:   report.Message,
		UpdatedAt: cs.clock.Now(),
	})
	if err != nil {
		cs.logger.Error().Err(err).Str("task_id", report.TaskID).Msg("Failed to update task state")
	}

	cs.logger.Info().
		Int64("device_id", device.ID).
		Str("task_id", report.TaskID).
		Str("status", report.Status).
		Msg("Task status update")

	events.Emit(cs.bus, models.TaskStatusUpdated, models.TaskStatusUpdate{DeviceID: device.ID, Task: state})
}

// HandleCommand forwards a printer's command response to listeners.
func (cs *CommandService) HandleCommand(device models.Device, payload json.RawMessage) {
	// The router's buffer belongs to paho.
	body := make(json.RawMessage, len(payload))
	copy(body, payload)

	cs.logger.Debug().Int64("device_id", device.ID).Int("bytes", len(body)).Msg("Command response received")
	events.Emit(cs.bus, models.CommandResponded, models.CommandResponse{
		DeviceID:  device.ID,
		Payload:   body,
		Timestamp: cs.clock.Now(),
	})
}

// PendingTasks returns the tasks that have not reached a final status.
func (cs *CommandService) PendingTasks() (map[string]models.TaskState, error) {
	return cs.stateManager.LoadState()
}
