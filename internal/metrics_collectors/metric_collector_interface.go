package metrics_collectors

import (
	"context"

	"github.com/benmeehan/fleet-monitor/internal/models"
)

// MetricCollector defines the interface for collecting one value of a performance sample.
type MetricCollector interface {
	Name() string                                // Name of the metric (e.g., "online_rate", "cpu")
	Collect(ctx context.Context) *float64        // Collect the value, nil when unavailable
	IsEnabled(config *models.SamplerConfig) bool // Check if the metric is enabled in the config
	Unit() string                                // Unit of the metric (e.g., "percentage")
	Description() string                         // Description of the metric
}

// StatsSource provides the fleet status counts.
type StatsSource interface {
	GetStats(ctx context.Context) (models.Stats, error)
}
