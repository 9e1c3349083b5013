package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iothub-amqp/pkg/identity"
)

// DeviceInfoInterface is a mock implementation of identity.DeviceInfoInterface
type DeviceInfoInterface struct {
	mock.Mock
}

func (m *DeviceInfoInterface) LoadDeviceInfo() error {
	args := m.Called()
	return args.Error(0)
}

func (m *DeviceInfoInterface) GetDeviceID() string {
	args := m.Called()
	return args.String(0)
}

func (m *DeviceInfoInterface) GetDeviceIdentity() *identity.Identity {
	args := m.Called()
	id, _ := args.Get(0).(*identity.Identity)
	return id
}
