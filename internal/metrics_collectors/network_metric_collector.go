package metrics_collectors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"

	"github.com/benmeehan/iothub-amqp/internal/models"
)

// ErrNoBaseline is returned by rate collectors on their first reading, before
// there is a previous sample to compute a rate from.
var ErrNoBaseline = errors.New("no previous sample to compute a rate from")

// Network traffic directions.
const (
	NetworkIn  = "in"
	NetworkOut = "out"
)

// NetworkCounters returns the total bytes received and sent.
type NetworkCounters func(ctx context.Context) (recv, sent uint64, err error)

// NetworkMetricCollector collects the receive or send rate of all interfaces.
type NetworkMetricCollector struct {
	Logger    zerolog.Logger
	Direction string          // NetworkIn or NetworkOut
	Counters  NetworkCounters // nil reads gopsutil IO counters
	Now       func() time.Time

	// cache previous values for rate calculation
	mu       sync.Mutex
	last     uint64
	lastTime time.Time
}

func (n *NetworkMetricCollector) Name() string {
	return "network_" + n.Direction
}

func (n *NetworkMetricCollector) Collect(ctx context.Context) (float64, error) {
	counters := n.Counters
	if counters == nil {
		counters = hostNetworkCounters
	}
	recv, sent, err := counters(ctx)
	if err != nil {
		return 0, err
	}

	curr := recv
	if n.Direction == NetworkOut {
		curr = sent
	}
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	last, lastTime := n.last, n.lastTime
	n.last, n.lastTime = curr, now

	// first run or counter reset: no rate yet
	if lastTime.IsZero() || curr < last {
		return 0, ErrNoBaseline
	}
	secs := now.Sub(lastTime).Seconds()
	if secs <= 0 {
		return 0, ErrNoBaseline
	}

	rate := float64(curr-last) / secs
	n.Logger.Debug().Str("direction", n.Direction).Float64("bytes_per_second", rate).Msg("Network I/O rate collected")
	return rate, nil
}

func hostNetworkCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(stats) == 0 {
		return 0, 0, errors.New("no network statistics available")
	}
	return stats[0].BytesRecv, stats[0].BytesSent, nil
}

func (n *NetworkMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorNetwork
}

func (n *NetworkMetricCollector) Unit() string {
	return "bytes per second"
}

func (n *NetworkMetricCollector) Description() string {
	if n.Direction == NetworkOut {
		return "Network send rate across all interfaces."
	}
	return "Network receive rate across all interfaces."
}
