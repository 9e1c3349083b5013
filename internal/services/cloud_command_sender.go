package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
)

// CloudCommandSender sends cloud-to-device commands from the service side
// through the hub's /messages/devicebound entity.
type CloudCommandSender struct {
	Session     LinkOpener
	Ack         string
	SendTimeout time.Duration
	Logger      zerolog.Logger

	mu     sync.Mutex
	sender *messaging.Sender
}

// NewCloudCommandSender initializes a new CloudCommandSender.
func NewCloudCommandSender(session LinkOpener, ack string, sendTimeout time.Duration, logger zerolog.Logger) *CloudCommandSender {
	return &CloudCommandSender{
		Session:     session,
		Ack:         ack,
		SendTimeout: sendTimeout,
		Logger:      logger,
	}
}

// Open attaches the sender link.
func (c *CloudCommandSender) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender != nil {
		return nil
	}

	sender, err := c.Session.OpenSender(ctx, "command-sender", constants.CloudToDeviceEntityPath)
	if err != nil {
		return fmt.Errorf("failed to open command sender: %w", err)
	}
	c.sender = sender
	return nil
}

// Send delivers payload to deviceID and returns the message ID, which
// feedback records refer to as originalMessageId.
func (c *CloudCommandSender) Send(ctx context.Context, deviceID string, payload []byte, properties map[string]any) (string, error) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return "", errors.New("command sender is not open")
	}

	appProperties := maps.Clone(properties)
	if appProperties == nil {
		appProperties = make(map[string]any)
	}
	if c.Ack != "" && c.Ack != constants.AckNone {
		appProperties[constants.AckProperty] = c.Ack
	}

	msg := messaging.Message{
		MessageID:             uuid.NewString(),
		To:                    constants.DeviceBoundPath(deviceID),
		Body:                  payload,
		ApplicationProperties: appProperties,
	}

	if c.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.SendTimeout)
		defer cancel()
	}

	if err := sender.Send(ctx, msg); err != nil {
		return "", err
	}

	c.Logger.Info().Str("device_id", deviceID).Str("message_id", msg.MessageID).Str("ack", c.Ack).Msg("Command sent")
	return msg.MessageID, nil
}

// Close detaches the sender link.
func (c *CloudCommandSender) Close(ctx context.Context) error {
	c.mu.Lock()
	sender := c.sender
	c.sender = nil
	c.mu.Unlock()

	if sender == nil {
		return nil
	}
	return sender.Close(ctx)
}

// Start opens the sender so commands can be sent while the agent runs.
func (c *CloudCommandSender) Start() error {
	return c.Open(context.Background())
}

// Stop closes the sender.
func (c *CloudCommandSender) Stop() error {
	return c.Close(context.Background())
}
