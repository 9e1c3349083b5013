package models

import "time"

// FeedbackRecord reports the fate of one cloud-to-device message that was
// sent with an iothub-ack request. The broker delivers them in JSON batches.
type FeedbackRecord struct {
	OriginalMessageID  string    `json:"originalMessageId"`
	DeviceGenerationID string    `json:"deviceGenerationId"`
	DeviceID           string    `json:"deviceId"`
	StatusCode         string    `json:"statusCode"`
	Description        string    `json:"description"`
	EnqueuedTimeUTC    time.Time `json:"enqueuedTimeUtc"`
}
