package services

import (
	"context"

	"github.com/benmeehan/iothub-amqp/internal/messaging"
)

// LinkOpener opens authorized links. messaging.Session implements it.
type LinkOpener interface {
	OpenSender(ctx context.Context, name, entityPath string) (*messaging.Sender, error)
	OpenReceiver(ctx context.Context, name, entityPath string) (*messaging.Receiver, error)
}
