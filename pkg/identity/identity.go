package identity

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/benmeehan/iothub-amqp/pkg/file"
)

// Identity holds the device's registered identifier and optional metadata.
type Identity struct {
	ID       string          `json:"device_id,omitempty"`
	KeyName  string          `json:"key_name,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// DeviceInfoInterface defines methods for reading the device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	GetDeviceID() string
	GetDeviceIdentity() *Identity
}

// DeviceInfo manages the device identity and its backing file.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a DeviceInfo. fallbackID is used when the identity
// file is absent or does not name a device.
func NewDeviceInfo(filePath, fallbackID string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
		Identity:       Identity{ID: fallbackID},
	}
}

// LoadDeviceInfo reads the device information from the file and populates the Identity field.
func (d *DeviceInfo) LoadDeviceInfo() error {
	if d.DeviceInfoFile != "" {
		var loaded Identity
		err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &loaded)
		switch {
		case err == nil:
			if loaded.ID == "" {
				loaded.ID = d.Identity.ID
			}
			d.Identity = loaded
		case os.IsNotExist(err):
			// keep the configured fallback
		default:
			return err
		}
	}

	if d.Identity.ID == "" {
		return errors.New("device id is not configured")
	}
	return nil
}

// GetDeviceIdentity returns the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	return &d.Identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.ID
}
