package mocks

import (
	"github.com/stretchr/testify/mock"
)

// Service is a mock implementation of a startable service
type Service struct {
	mock.Mock
}

func (m *Service) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *Service) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// Relay is a mock implementation of the command relay
type Relay struct {
	mock.Mock
}

func (m *Relay) Publish(topic string, payload []byte) error {
	args := m.Called(topic, payload)
	return args.Error(0)
}
