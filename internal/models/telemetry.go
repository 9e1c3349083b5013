package models

import "time"

// TelemetryEvent is the JSON body of a device-to-cloud telemetry message.
type TelemetryEvent struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Sequence  uint64            `json:"sequence"`
	Metrics   map[string]Metric `json:"metrics,omitempty"`
}

// Metric is a single collected reading.
type Metric struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

// MetricsConfig selects the collectors included in telemetry events.
type MetricsConfig struct {
	MonitorCPU        bool `yaml:"cpu"`
	MonitorMemory     bool `yaml:"memory"`
	MonitorDisk       bool `yaml:"disk"`
	MonitorGoroutines bool `yaml:"goroutines"`
	MonitorNetwork    bool `yaml:"network"` // receive and send rates
	MonitorProcess    bool `yaml:"process"` // resident memory of the agent
}
