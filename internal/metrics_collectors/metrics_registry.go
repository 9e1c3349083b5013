package metrics_collectors

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/models"
)

// MetricsRegistry holds the collectors telemetry events are built from.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// NewDefaultRegistry returns a registry with every built-in collector.
func NewDefaultRegistry(logger zerolog.Logger) *MetricsRegistry {
	r := NewMetricsRegistry()
	r.Register(&CPUMetricCollector{Logger: logger})
	r.Register(&MemoryMetricCollector{Logger: logger})
	r.Register(&DiskMetricCollector{Logger: logger, Path: "/"})
	r.Register(&GoroutineMetricCollector{Logger: logger})
	r.Register(&NetworkMetricCollector{Logger: logger, Direction: NetworkIn})
	r.Register(&NetworkMetricCollector{Logger: logger, Direction: NetworkOut})
	r.Register(&ProcessMetricCollector{Logger: logger})
	return r
}

// Register adds a new metric collector to the registry.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// GetCollectors returns the registered collectors ordered by name.
func (r *MetricsRegistry) GetCollectors() []MetricCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collectors := make([]MetricCollector, 0, len(r.collectors))
	for _, c := range r.collectors {
		collectors = append(collectors, c)
	}
	sort.Slice(collectors, func(i, j int) bool { return collectors[i].Name() < collectors[j].Name() })
	return collectors
}

// CollectAll reads every collector enabled in config. Collectors that fail
// are logged and left out of the result.
func (r *MetricsRegistry) CollectAll(ctx context.Context, config *models.MetricsConfig, logger zerolog.Logger) map[string]models.Metric {
	metrics := make(map[string]models.Metric)
	for _, c := range r.GetCollectors() {
		if !c.IsEnabled(config) {
			continue
		}
		value, err := c.Collect(ctx)
		if errors.Is(err, ErrNoBaseline) {
			logger.Debug().Str("metric", c.Name()).Msg("Metric has no baseline yet")
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("metric", c.Name()).Msg("Failed to collect metric")
			continue
		}
		metrics[c.Name()] = models.Metric{Value: value, Unit: c.Unit()}
	}
	return metrics
}
