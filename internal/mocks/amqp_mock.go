package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

// Connection is a mock implementation of amqp.Connection
type Connection struct {
	mock.Mock
}

func (m *Connection) NewSession(ctx context.Context) (amqp.Session, error) {
	args := m.Called(ctx)
	session, _ := args.Get(0).(amqp.Session)
	return session, args.Error(1)
}

func (m *Connection) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Session is a mock implementation of amqp.Session
type Session struct {
	mock.Mock
}

func (m *Session) NewSender(ctx context.Context, name, entityPath string) (amqp.Sender, error) {
	args := m.Called(ctx, name, entityPath)
	sender, _ := args.Get(0).(amqp.Sender)
	return sender, args.Error(1)
}

func (m *Session) NewReceiver(ctx context.Context, name, entityPath string) (amqp.Receiver, error) {
	args := m.Called(ctx, name, entityPath)
	receiver, _ := args.Get(0).(amqp.Receiver)
	return receiver, args.Error(1)
}

func (m *Session) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Sender is a mock implementation of amqp.Sender
type Sender struct {
	mock.Mock
}

func (m *Sender) Send(ctx context.Context, msg *amqp.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *Sender) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Receiver is a mock implementation of amqp.Receiver
type Receiver struct {
	mock.Mock
}

func (m *Receiver) Receive(ctx context.Context) (*amqp.Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(*amqp.Message)
	return msg, args.Error(1)
}

func (m *Receiver) Accept(ctx context.Context, msg *amqp.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *Receiver) Reject(ctx context.Context, msg *amqp.Message, description string) error {
	args := m.Called(ctx, msg, description)
	return args.Error(0)
}

func (m *Receiver) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
