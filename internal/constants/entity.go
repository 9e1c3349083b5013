package constants

import "fmt"

// Service-side entity paths.
const (
	CloudToDeviceEntityPath = "/messages/devicebound"
	FeedbackEntityPath      = "/messages/servicebound/feedback"
)

// Message application properties understood by IoT Hub.
const (
	// AckProperty requests delivery feedback for a cloud-to-device message.
	AckProperty = "iothub-ack"
	AckFull     = "full"
	AckPositive = "positive"
	AckNegative = "negative"
	AckNone     = "none"

	ContentTypeProperty = "content-type"
	ContentTypeJSON     = "application/json"
)

// DevicePath is the path prefix every device-scoped entity lives under.
func DevicePath(deviceID string) string {
	return fmt.Sprintf("/devices/%s", deviceID)
}

// DeviceBoundPath is the entity a device receives cloud-to-device messages from.
func DeviceBoundPath(deviceID string) string {
	return DevicePath(deviceID) + "/messages/devicebound"
}

// DeviceEventsPath is the entity a device sends telemetry events to.
func DeviceEventsPath(deviceID string) string {
	return DevicePath(deviceID) + "/messages/events"
}
