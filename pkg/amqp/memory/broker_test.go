package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

func openLinks(t *testing.T, conn amqp.Connection, entityPath string) (amqp.Sender, amqp.Receiver) {
	t.Helper()
	ctx := context.Background()

	sendSession, err := conn.NewSession(ctx)
	require.NoError(t, err)
	sender, err := sendSession.NewSender(ctx, "sender", entityPath)
	require.NoError(t, err)

	recvSession, err := conn.NewSession(ctx)
	require.NoError(t, err)
	receiver, err := recvSession.NewReceiver(ctx, "receiver", entityPath)
	require.NoError(t, err)

	return sender, receiver
}

// TestBroker_SendReceive tests that a message sent to an entity is delivered unchanged.
func TestBroker_SendReceive(t *testing.T) {
	broker := NewBroker()
	sender, receiver := openLinks(t, broker.Connect(), "/devices/dev1/messages/devicebound")

	msg := amqp.NewMessage([]byte("hello"))
	require.NoError(t, sender.Send(context.Background(), msg))

	got, err := receiver.Receive(context.Background())
	require.NoError(t, err)
	assert.Same(t, msg, got)
	assert.Equal(t, []byte("hello"), got.GetData())

	require.NoError(t, receiver.Accept(context.Background(), got))
	assert.Equal(t, 1, broker.Stats().Accepted)
}

// TestBroker_RoutesByTo tests that the To property overrides the sender's entity path.
func TestBroker_RoutesByTo(t *testing.T) {
	broker := NewBroker()
	conn := broker.Connect()
	sender, _ := openLinks(t, conn, "/messages/devicebound")

	to := "/devices/dev1/messages/devicebound"
	msg := amqp.NewMessage([]byte("cmd"))
	msg.Properties = &amqp.MessageProperties{To: &to}
	require.NoError(t, sender.Send(context.Background(), msg))

	assert.Equal(t, 0, broker.Pending("/messages/devicebound"))
	assert.Equal(t, 1, broker.Pending(to))
}

// TestBroker_ReceiveHonoursContext tests that Receive returns when the context expires.
func TestBroker_ReceiveHonoursContext(t *testing.T) {
	broker := NewBroker()
	_, receiver := openLinks(t, broker.Connect(), "/empty")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := receiver.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestBroker_RedeliversUnsettled tests that closing a receiver requeues unsettled deliveries.
func TestBroker_RedeliversUnsettled(t *testing.T) {
	broker := NewBroker()
	conn := broker.Connect()
	sender, receiver := openLinks(t, conn, "/q")

	require.NoError(t, sender.Send(context.Background(), amqp.NewMessage([]byte("a"))))
	got, err := receiver.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, broker.Pending("/q"))

	require.NoError(t, receiver.Close(context.Background()))
	assert.Equal(t, 1, broker.Pending("/q"))

	_, again := openLinks(t, conn, "/q")
	redelivered, err := again.Receive(context.Background())
	require.NoError(t, err)
	assert.Same(t, got, redelivered)
}

// TestBroker_Settlement tests settlement bookkeeping and unknown deliveries.
func TestBroker_Settlement(t *testing.T) {
	broker := NewBroker()
	sender, receiver := openLinks(t, broker.Connect(), "/q")
	ctx := context.Background()

	require.NoError(t, sender.Send(ctx, amqp.NewMessage([]byte("a"))))
	got, err := receiver.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, receiver.Reject(ctx, got, "bad"))
	assert.ErrorIs(t, receiver.Accept(ctx, got), ErrUnknownDelivery)
	assert.ErrorIs(t, receiver.Accept(ctx, amqp.NewMessage(nil)), ErrUnknownDelivery)

	stats := broker.Stats()
	assert.Equal(t, 0, stats.Accepted)
	assert.Equal(t, 1, stats.Rejected)
}

// TestBroker_CloseBookkeeping tests open counters and double close.
func TestBroker_CloseBookkeeping(t *testing.T) {
	broker := NewBroker()
	conn := broker.Connect()
	ctx := context.Background()

	session, err := conn.NewSession(ctx)
	require.NoError(t, err)
	sender, err := session.NewSender(ctx, "s", "/q")
	require.NoError(t, err)

	stats := broker.Stats()
	assert.Equal(t, 1, stats.OpenConnections)
	assert.Equal(t, 1, stats.OpenSessions)
	assert.Equal(t, 1, stats.OpenLinks)

	require.NoError(t, sender.Close(ctx))
	require.NoError(t, sender.Close(ctx))
	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx))
	assert.ErrorIs(t, sender.Send(ctx, amqp.NewMessage(nil)), ErrClosed)

	_, err = session.NewReceiver(ctx, "r", "/q")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, conn.Close())
	_, err = conn.NewSession(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, Stats{}, broker.Stats())
}

func putTokenRequest(token, audience string) *amqp.Message {
	replyTo := "cbs-reply-to"
	return &amqp.Message{
		Properties: &amqp.MessageProperties{MessageID: "req-1", ReplyTo: &replyTo},
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"type":      "azure-devices.net:sastoken",
			"name":      audience,
		},
		Value: token,
	}
}

// TestBroker_CBSReply tests that put-token responses land on the reply-to receiver.
func TestBroker_CBSReply(t *testing.T) {
	broker := NewBroker(WithCBSHandler(FixedStatus(401, "Unauthorized")))
	conn := broker.Connect()
	ctx := context.Background()

	session, err := conn.NewSession(ctx)
	require.NoError(t, err)
	sender, err := session.NewSender(ctx, "cbs-sender", "$cbs")
	require.NoError(t, err)
	receiver, err := session.NewReceiver(ctx, "cbs-reply-to", "$cbs")
	require.NoError(t, err)

	require.NoError(t, sender.Send(ctx, putTokenRequest("tok", "myhub.azure-devices.net/devices/dev1")))

	resp, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(401), resp.ApplicationProperties["status-code"])
	assert.Equal(t, "Unauthorized", resp.ApplicationProperties["status-description"])
	assert.Equal(t, "req-1", resp.Properties.CorrelationID)

	require.NoError(t, receiver.Accept(ctx, resp))
	stats := broker.Stats()
	assert.Equal(t, 1, stats.CBSRequests)
	assert.Equal(t, 1, stats.CBSSettled)
	assert.Equal(t, 0, stats.Accepted)
}

// TestSharedKeyCBSHandler tests token validation against a shared key.
func TestSharedKeyCBSHandler(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	handler := SharedKeyCBSHandler("c2VjcmV0", clock)

	deviceToken, err := sas.GenerateAt(now, "", "c2VjcmV0", "myhub.azure-devices.net/devices/dev1", time.Hour)
	require.NoError(t, err)
	otherKeyToken, err := sas.GenerateAt(now, "", "b3RoZXI=", "myhub.azure-devices.net/devices/dev1", time.Hour)
	require.NoError(t, err)
	expiredToken, err := sas.GenerateAt(now, "", "c2VjcmV0", "myhub.azure-devices.net/devices/dev1", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name     string
		req      *amqp.Message
		wantCode int32
	}{
		{"valid device audience", putTokenRequest(deviceToken, "myhub.azure-devices.net/devices/dev1"), 200},
		{"audience below resource", putTokenRequest(deviceToken, "MyHub.azure-devices.net/devices/dev1/messages/events"), 200},
		{"audience outside resource", putTokenRequest(deviceToken, "myhub.azure-devices.net/devices/dev10"), 401},
		{"wrong key", putTokenRequest(otherKeyToken, "myhub.azure-devices.net/devices/dev1"), 401},
		{"expired", putTokenRequest(expiredToken, "myhub.azure-devices.net/devices/dev1"), 401},
		{"malformed", putTokenRequest("Bearer x", "myhub.azure-devices.net/devices/dev1"), 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handler(tt.req)
			assert.Equal(t, tt.wantCode, resp.ApplicationProperties["status-code"])
		})
	}

	t.Run("wrong operation", func(t *testing.T) {
		req := putTokenRequest(deviceToken, "myhub.azure-devices.net/devices/dev1")
		req.ApplicationProperties["operation"] = "delete-token"
		assert.Equal(t, int32(400), handler(req).ApplicationProperties["status-code"])
	})
}
