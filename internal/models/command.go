package models

import "time"

// RelayedCommand is the JSON document republished on the local relay for
// each cloud-to-device message a device receives.
type RelayedCommand struct {
	DeviceID   string         `json:"device_id"`
	MessageID  string         `json:"message_id"`
	Payload    []byte         `json:"payload"`
	Properties map[string]any `json:"properties,omitempty"`
}

// CommandState tracks a received command between handling and settlement.
type CommandState struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}
