package metrics_collectors

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"

	"github.com/benmeehan/iothub-amqp/internal/models"
)

// ProcessMetricCollector collects the resident memory of one process,
// by default the agent itself.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
	PID    int32 // 0 means the current process
}

func (p *ProcessMetricCollector) Name() string {
	return "process_memory"
}

func (p *ProcessMetricCollector) Collect(ctx context.Context) (float64, error) {
	pid := p.PID
	if pid == 0 {
		pid = int32(os.Getpid())
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, err
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}

	p.Logger.Debug().Int32("pid", pid).Uint64("rss", memInfo.RSS).Msg("Process memory collected")
	return float64(memInfo.RSS), nil
}

func (p *ProcessMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorProcess
}

func (p *ProcessMetricCollector) Unit() string {
	return "bytes"
}

func (p *ProcessMetricCollector) Description() string {
	return "Resident memory of the agent process."
}
