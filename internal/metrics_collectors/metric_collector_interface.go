package metrics_collectors

import (
	"context"

	"github.com/benmeehan/iothub-amqp/internal/models"
)

// MetricCollector defines the interface for collecting a specific metric.
type MetricCollector interface {
	Name() string                                 // Key of the metric in telemetry events (e.g., "cpu")
	Collect(ctx context.Context) (float64, error) // Collect the current reading
	IsEnabled(config *models.MetricsConfig) bool  // Check if the metric is enabled in the config
	Unit() string                                 // Unit of the metric (e.g., "percentage", "count")
	Description() string                          // Description of the metric
}
