package state_managers

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/models"
)

// CommandStateManager handles file-based command state persistence
type CommandStateManager struct {
	filePath string
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewCommandStateManager initializes a new CommandStateManager
func NewCommandStateManager(filePath string, logger zerolog.Logger) *CommandStateManager {
	return &CommandStateManager{
		filePath: filePath,
		logger:   logger,
	}
}

// LoadState reads the command state from the file
func (sm *CommandStateManager) LoadState() (map[string]models.CommandState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.load()
}

func (sm *CommandStateManager) load() (map[string]models.CommandState, error) {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]models.CommandState), nil
		}
		sm.logger.Error().Err(err).Msg("Failed to read state file")
		return nil, err
	}

	states := make(map[string]models.CommandState)
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to unmarshal state file")
		return nil, err
	}
	return states, nil
}

// SaveState writes the command state to the file
func (sm *CommandStateManager) SaveState(states map[string]models.CommandState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.save(states)
}

func (sm *CommandStateManager) save(states map[string]models.CommandState) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		sm.logger.Error().Err(err).Msg("Failed to marshal state")
		return err
	}

	if err := os.WriteFile(sm.filePath, data, 0600); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to write state file")
		return err
	}
	return nil
}

// GetCommandState returns the recorded state of messageID.
func (sm *CommandStateManager) GetCommandState(messageID string) (models.CommandState, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		return models.CommandState{}, false, err
	}
	state, ok := states[messageID]
	return state, ok, nil
}

// UpdateCommandState records state. Settled and rejected commands are
// removed since the broker will not deliver them again.
func (sm *CommandStateManager) UpdateCommandState(state models.CommandState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		return err
	}

	if state.Status == constants.CommandStatusSettled || state.Status == constants.CommandStatusRejected {
		delete(states, state.MessageID)
	} else {
		states[state.MessageID] = state
	}

	return sm.save(states)
}
