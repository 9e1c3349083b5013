package metrics_collectors

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"

	"github.com/benmeehan/iothub-amqp/internal/models"
)

// DiskMetricCollector collects disk usage of one filesystem.
type DiskMetricCollector struct {
	Logger zerolog.Logger
	Path   string
}

func (d *DiskMetricCollector) Name() string {
	return "disk"
}

func (d *DiskMetricCollector) Collect(ctx context.Context) (float64, error) {
	diskStats, err := disk.UsageWithContext(ctx, d.Path)
	if err != nil {
		return 0, err
	}
	d.Logger.Debug().Str("path", d.Path).Float64("disk_usage_percent", diskStats.UsedPercent).Msg("Disk usage collected")
	return diskStats.UsedPercent, nil
}

func (d *DiskMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorDisk
}

func (d *DiskMetricCollector) Unit() string {
	return "percentage"
}

func (d *DiskMetricCollector) Description() string {
	return "Percentage of disk space used on the monitored filesystem."
}
