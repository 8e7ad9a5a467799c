package metrics_collectors

import (
	"context"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/rs/zerolog"
)

// OnlineRateCollector reports the share of printers currently online.
type OnlineRateCollector struct {
	Stats  StatsSource
	Logger zerolog.Logger
}

func (c *OnlineRateCollector) Name() string {
	return "online_rate"
}

func (c *OnlineRateCollector) Collect(ctx context.Context) *float64 {
	stats, err := c.Stats.GetStats(ctx)
	if err != nil {
		c.Logger.Error().Err(err).Msg("Failed to read fleet stats")
		return nil
	}
	rate := stats.OnlineRate()
	return &rate
}

func (c *OnlineRateCollector) IsEnabled(*models.SamplerConfig) bool { return true }
func (c *OnlineRateCollector) Unit() string                         { return "percentage" }
func (c *OnlineRateCollector) Description() string {
	return "Percentage of registered printers reporting online."
}

// ErrorRateCollector reports the share of printers in a warning state.
type ErrorRateCollector struct {
	Stats  StatsSource
	Logger zerolog.Logger
}

func (c *ErrorRateCollector) Name() string {
	return "error_rate"
}

func (c *ErrorRateCollector) Collect(ctx context.Context) *float64 {
	stats, err := c.Stats.GetStats(ctx)
	if err != nil {
		c.Logger.Error().Err(err).Msg("Failed to read fleet stats")
		return nil
	}
	rate := stats.ErrorRate()
	return &rate
}

func (c *ErrorRateCollector) IsEnabled(*models.SamplerConfig) bool { return true }
func (c *ErrorRateCollector) Unit() string                         { return "percentage" }
func (c *ErrorRateCollector) Description() string {
	return "Percentage of registered printers out of paper, cover open, overheated or out of consumable."
}
