package metrics_collectors

import (
	"context"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/mem"
)

// MemoryMetricCollector collects the percentage of used virtual memory on the host.
type MemoryMetricCollector struct {
	Logger zerolog.Logger
}

// Name returns the identifier for the memory metric collector.
func (m *MemoryMetricCollector) Name() string {
	return "memory"
}

// Collect retrieves the percentage of used virtual memory.
func (m *MemoryMetricCollector) Collect(ctx context.Context) *float64 {
	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.Logger.Error().Err(err).Msg("Failed to retrieve memory statistics")
		return nil
	}

	m.Logger.Debug().
		Float64("memory_usage_percent", memStats.UsedPercent).
		Msg("Memory usage collected successfully")

	return &memStats.UsedPercent
}

// IsEnabled reports whether host metrics are enabled.
func (m *MemoryMetricCollector) IsEnabled(config *models.SamplerConfig) bool {
	return config.HostMetrics
}

// Unit specifies the unit for memory usage metrics.
func (m *MemoryMetricCollector) Unit() string {
	return "percentage"
}

// Description provides details of the memory usage metrics collected.
func (m *MemoryMetricCollector) Description() string {
	return "Percentage of used virtual memory on the monitoring host."
}
