package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/pkg/amqp/memory"
)

// TestCloudCommandSender_Send tests addressing and feedback request of a sent command.
func TestCloudCommandSender_Send(t *testing.T) {
	// Setup
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost)
	sender := NewCloudCommandSender(session, "full", time.Second, zerolog.Nop())
	ctx := context.Background()

	// Execute
	require.NoError(t, sender.Start())
	messageID, err := sender.Send(ctx, testDeviceID, []byte("reboot"), map[string]any{"priority": "high"})
	require.NoError(t, err)
	require.NoError(t, sender.Stop())

	// Assert
	msg := drain(t, broker, deviceBoundPath)
	assert.Equal(t, messageID, msg.Properties.MessageID)
	assert.Equal(t, deviceBoundPath, *msg.Properties.To)
	assert.Equal(t, []byte("reboot"), msg.GetData())
	assert.Equal(t, "full", msg.ApplicationProperties["iothub-ack"])
	assert.Equal(t, "high", msg.ApplicationProperties["priority"])
	assert.Equal(t, 0, broker.Stats().OpenLinks)
}

// TestCloudCommandSender_AckNone tests that no feedback request is attached for ack none.
func TestCloudCommandSender_AckNone(t *testing.T) {
	broker := memory.NewBroker()
	session := newAuthorizedSession(t, broker, testHost)
	sender := NewCloudCommandSender(session, "none", time.Second, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, sender.Open(ctx))
	require.NoError(t, sender.Open(ctx))
	_, err := sender.Send(ctx, testDeviceID, []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, sender.Close(ctx))
	require.NoError(t, sender.Close(ctx))

	msg := drain(t, broker, deviceBoundPath)
	assert.NotContains(t, msg.ApplicationProperties, "iothub-ack")
}

// TestCloudCommandSender_Errors tests sending before Open and outside the grant.
func TestCloudCommandSender_Errors(t *testing.T) {
	broker := memory.NewBroker()
	ctx := context.Background()

	unopened := NewCloudCommandSender(newAuthorizedSession(t, broker, testHost), "full", time.Second, zerolog.Nop())
	_, err := unopened.Send(ctx, testDeviceID, nil, nil)
	assert.EqualError(t, err, "command sender is not open")

	scoped := NewCloudCommandSender(newAuthorizedSession(t, broker, testHost+"/messages/devicebound"), "full", time.Second, zerolog.Nop())
	require.NoError(t, scoped.Open(ctx))
	_, err = scoped.Send(ctx, testDeviceID, []byte("x"), nil)
	assert.ErrorIs(t, err, errs.ErrNotAuthorized)
	assert.Equal(t, 0, broker.Pending(deviceBoundPath))
}
