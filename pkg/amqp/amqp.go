// Package amqp is the transport boundary: the connection, session and link
// capabilities the CBS negotiator and the messaging layer consume.
package amqp

import (
	"context"

	amqpLib "github.com/Azure/go-amqp"
)

// Message is the AMQP 1.0 message exchanged over links.
type Message = amqpLib.Message

// MessageProperties is the immutable properties section of a Message.
type MessageProperties = amqpLib.MessageProperties

// NewMessage returns a message carrying data as a single binary section.
func NewMessage(data []byte) *Message {
	return amqpLib.NewMessage(data)
}

// Connection is a broker connection able to multiplex sessions.
type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session groups links opened on a Connection.
type Session interface {
	NewSender(ctx context.Context, name, entityPath string) (Sender, error)
	NewReceiver(ctx context.Context, name, entityPath string) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is an outgoing link bound to an entity path.
type Sender interface {
	// Send blocks until the broker settles the delivery or ctx is done.
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// Receiver is an incoming link bound to an entity path.
// Messages are never settled implicitly.
type Receiver interface {
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	Accept(ctx context.Context, msg *Message) error
	Reject(ctx context.Context, msg *Message, description string) error
	Close(ctx context.Context) error
}
