package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/mocks"
	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/internal/state_managers"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/amqp/memory"
)

const deviceBoundPath = "/devices/dev1/messages/devicebound"

func commandMessage(id, body string) *amqp.Message {
	msg := amqp.NewMessage([]byte(body))
	msg.Properties = &amqp.MessageProperties{MessageID: id}
	msg.ApplicationProperties = map[string]any{"kind": "reboot"}
	return msg
}

// TestCommandService_RelaysAndAccepts tests that commands are relayed over MQTT and accepted.
func TestCommandService_RelaysAndAccepts(t *testing.T) {
	// Setup
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost+"/devices/dev1")
	relay := new(mocks.Relay)

	var relayed models.RelayedCommand
	relay.On("Publish", "iothub/commands/dev1", mock.AnythingOfType("[]uint8")).
		Run(func(args mock.Arguments) {
			_ = json.Unmarshal(args.Get(1).([]byte), &relayed)
		}).
		Return(nil).Once()

	svc := NewCommandService(20*time.Millisecond, 2, "iothub/commands", session, newDeviceInfo(testDeviceID),
		relay, nil, zerolog.Nop())

	// Execute
	require.NoError(t, svc.Start())
	broker.Publish(deviceBoundPath, commandMessage("cmd-1", "restart"))

	// Assert
	assert.Eventually(t, func() bool {
		return broker.Stats().Accepted == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop())

	relay.AssertExpectations(t)
	assert.Equal(t, "dev1", relayed.DeviceID)
	assert.Equal(t, "cmd-1", relayed.MessageID)
	assert.Equal(t, []byte("restart"), relayed.Payload)
	assert.Equal(t, "reboot", relayed.Properties["kind"])
	assert.Equal(t, 0, broker.Stats().OpenLinks)
}

// TestCommandService_RejectsOnFailure tests rejection when the handler or relay fails.
func TestCommandService_RejectsOnFailure(t *testing.T) {
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost+"/devices/dev1")
	relay := new(mocks.Relay)
	relay.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	handler := func(_ context.Context, cmd *messaging.Delivery) error {
		if string(cmd.Body) == "bad" {
			return errors.New("unsupported command")
		}
		return nil
	}

	svc := NewCommandService(20*time.Millisecond, 1, "iothub/commands", session, newDeviceInfo(testDeviceID),
		relay, handler, zerolog.Nop())
	require.NoError(t, svc.Start())

	broker.Publish(deviceBoundPath, commandMessage("cmd-1", "bad"))
	broker.Publish(deviceBoundPath, commandMessage("cmd-2", "good"))

	assert.Eventually(t, func() bool {
		return broker.Stats().Rejected == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop())

	relay.AssertNumberOfCalls(t, "Publish", 1)
	assert.Equal(t, 0, broker.Stats().Accepted)
}

// TestCommandService_WithoutRelay tests that commands are accepted when no relay is configured.
func TestCommandService_WithoutRelay(t *testing.T) {
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost+"/devices/dev1")

	svc := NewCommandService(20*time.Millisecond, 1, "", session, newDeviceInfo(testDeviceID), nil, nil, zerolog.Nop())
	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())

	broker.Publish(deviceBoundPath, commandMessage("cmd-1", "ping"))
	assert.Eventually(t, func() bool {
		return broker.Stats().Accepted == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop())
	assert.Error(t, svc.Stop())
}

// TestCommandService_StartWithoutGrant tests that Start fails outside the granted scope.
func TestCommandService_StartWithoutGrant(t *testing.T) {
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost+"/messages/devicebound")

	svc := NewCommandService(time.Second, 1, "", session, newDeviceInfo(testDeviceID), nil, nil, zerolog.Nop())

	assert.Error(t, svc.Start())
	assert.Error(t, svc.Stop())
}

// TestCommandService_SkipsHandledRedelivery tests that a command recorded as handled is accepted without running again.
func TestCommandService_SkipsHandledRedelivery(t *testing.T) {
	// Setup
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost+"/devices/dev1")
	store := state_managers.NewCommandStateManager(filepath.Join(t.TempDir(), "commands.json"), zerolog.Nop())
	require.NoError(t, store.UpdateCommandState(models.CommandState{MessageID: "cmd-1", Status: constants.CommandStatusHandled}))

	var handled atomic.Int32
	handler := func(ctx context.Context, d *messaging.Delivery) error {
		handled.Add(1)
		return nil
	}
	svc := NewCommandService(20*time.Millisecond, 1, "", session, newDeviceInfo(testDeviceID), nil, handler, zerolog.Nop()).
		WithStateStore(store)

	// Execute
	require.NoError(t, svc.Start())
	broker.Publish(deviceBoundPath, commandMessage("cmd-1", "ping"))
	broker.Publish(deviceBoundPath, commandMessage("cmd-2", "ping"))
	assert.Eventually(t, func() bool {
		return broker.Stats().Accepted == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop())

	// Assert
	assert.Equal(t, int32(1), handled.Load())
	states, err := store.LoadState()
	require.NoError(t, err)
	assert.Empty(t, states)
}
