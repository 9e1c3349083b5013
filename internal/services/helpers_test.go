package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iothub-amqp/internal/cbs"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/mocks"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/amqp/memory"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

const (
	testHost     = "myhub.azure-devices.net"
	testKey      = "c2VjcmV0"
	testDeviceID = "dev1"
)

// newAuthorizedSession returns a messaging session on broker holding a grant
// for each audience.
func newAuthorizedSession(t *testing.T, broker *memory.Broker, audiences ...string) *messaging.Session {
	t.Helper()

	session := messaging.NewSession(broker.Connect(), cbs.NewNegotiator(zerolog.Nop(), time.Second), zerolog.Nop(), nil)
	for _, audience := range audiences {
		token, err := sas.Generate("", testKey, audience, time.Hour)
		require.NoError(t, err)
		require.NoError(t, session.Authorize(context.Background(), audience, token))
	}
	return session
}

func newDeviceInfo(deviceID string) *mocks.DeviceInfoInterface {
	deviceInfo := new(mocks.DeviceInfoInterface)
	deviceInfo.On("GetDeviceID").Return(deviceID)
	return deviceInfo
}

// drain reads one message from entityPath on broker.
func drain(t *testing.T, broker *memory.Broker, entityPath string) *amqp.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	session, err := broker.Connect().NewSession(ctx)
	require.NoError(t, err)
	receiver, err := session.NewReceiver(ctx, "drain", entityPath)
	require.NoError(t, err)
	defer receiver.Close(ctx)

	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, receiver.Accept(ctx, msg))
	return msg
}
