package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

// Negotiator is a mock implementation of cbs.NegotiatorInterface
type Negotiator struct {
	mock.Mock
}

func (m *Negotiator) Authorize(ctx context.Context, conn amqp.Connection, host, token, audience string) error {
	args := m.Called(ctx, conn, host, token, audience)
	return args.Error(0)
}
