package state_managers

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/benmeehan/fleet-monitor/internal/constants"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/file"
	"github.com/rs/zerolog"
)

// TaskStateManager keeps in-flight print tasks in a JSON file so they survive restarts.
type TaskStateManager struct {
	filePath   string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewTaskStateManager initializes a new TaskStateManager
func NewTaskStateManager(filePath string, fileClient file.FileOperations, logger zerolog.Logger) *TaskStateManager {
	return &TaskStateManager{
		filePath:   filePath,
		fileClient: fileClient,
		logger:     logger,
	}
}

// LoadState reads the task states from the file
func (sm *TaskStateManager) LoadState() (map[string]models.TaskState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.load()
}

// SaveState writes the task states to the file
func (sm *TaskStateManager) SaveState(states map[string]models.TaskState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.save(states)
}

// UpdateTaskState updates or adds a task, removing it once it reached a final status.
// It returns the merged state.
func (sm *TaskStateManager) UpdateTaskState(state models.TaskState) (models.TaskState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		return state, err
	}

	// Keep what the printer does not echo back.
	if previous, ok := states[state.TaskID]; ok {
		if state.Content == "" {
			state.Content = previous.Content
		}
		if state.DeviceID == 0 {
			state.DeviceID = previous.DeviceID
		}
	}

	if IsFinalTaskStatus(state.Status) {
		delete(states, state.TaskID)
	} else {
		states[state.TaskID] = state
	}

	return state, sm.save(states)
}

// IsFinalTaskStatus reports whether a task with this status will not change again.
func IsFinalTaskStatus(status string) bool {
	return status == constants.TaskStatusCompleted || status == constants.TaskStatusFailed
}

func (sm *TaskStateManager) load() (map[string]models.TaskState, error) {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]models.TaskState), nil
		}
		sm.logger.Error().Err(err).Msg("Failed to read task state file")
		return nil, err
	}

	states := make(map[string]models.TaskState)
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to unmarshal task state file")
		return nil, err
	}
	return states, nil
}

func (sm *TaskStateManager) save(states map[string]models.TaskState) error {
	if err := sm.fileClient.WriteJsonFile(sm.filePath, states); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to write task state file")
		return err
	}
	return nil
}
