package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Authorizer is a mock implementation of services.Authorizer
type Authorizer struct {
	mock.Mock
}

func (m *Authorizer) Authorize(ctx context.Context, audience, token string) error {
	args := m.Called(ctx, audience, token)
	return args.Error(0)
}
