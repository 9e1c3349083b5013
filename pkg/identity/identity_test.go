package identity_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iothub-amqp/internal/mocks"
	"github.com/benmeehan/iothub-amqp/pkg/identity"
)

// TestDeviceInfo_LoadDeviceInfo_FromFile tests that the identity file overrides the fallback ID.
func TestDeviceInfo_LoadDeviceInfo_FromFile(t *testing.T) {
	mockFileClient := new(mocks.FileOperations)
	mockFileClient.On("ReadJsonFile", "device.json", mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(*identity.Identity).ID = "dev-from-file"
		}).
		Return(nil)

	d := identity.NewDeviceInfo("device.json", "fallback", mockFileClient)

	assert.NoError(t, d.LoadDeviceInfo())
	assert.Equal(t, "dev-from-file", d.GetDeviceID())
	mockFileClient.AssertExpectations(t)
}

// TestDeviceInfo_LoadDeviceInfo_MissingFile tests the fallback when the identity file does not exist.
func TestDeviceInfo_LoadDeviceInfo_MissingFile(t *testing.T) {
	mockFileClient := new(mocks.FileOperations)
	mockFileClient.On("ReadJsonFile", "device.json", mock.Anything).Return(os.ErrNotExist)

	d := identity.NewDeviceInfo("device.json", "fallback", mockFileClient)

	assert.NoError(t, d.LoadDeviceInfo())
	assert.Equal(t, "fallback", d.GetDeviceID())
}

// TestDeviceInfo_LoadDeviceInfo_FileWithoutID tests that an identity file without an ID keeps the fallback.
func TestDeviceInfo_LoadDeviceInfo_FileWithoutID(t *testing.T) {
	mockFileClient := new(mocks.FileOperations)
	mockFileClient.On("ReadJsonFile", "device.json", mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(*identity.Identity).KeyName = "device-key"
		}).
		Return(nil)

	d := identity.NewDeviceInfo("device.json", "fallback", mockFileClient)

	assert.NoError(t, d.LoadDeviceInfo())
	assert.Equal(t, "fallback", d.GetDeviceID())
	assert.Equal(t, "device-key", d.GetDeviceIdentity().KeyName)
}

// TestDeviceInfo_LoadDeviceInfo_Errors tests read failures and a missing device ID.
func TestDeviceInfo_LoadDeviceInfo_Errors(t *testing.T) {
	mockFileClient := new(mocks.FileOperations)
	mockFileClient.On("ReadJsonFile", "broken.json", mock.Anything).Return(errors.New("unexpected EOF"))

	d := identity.NewDeviceInfo("broken.json", "fallback", mockFileClient)
	assert.EqualError(t, d.LoadDeviceInfo(), "unexpected EOF")

	d = identity.NewDeviceInfo("", "", mockFileClient)
	assert.EqualError(t, d.LoadDeviceInfo(), "device id is not configured")
}
