package metrics_collectors

import (
	"context"
	"sync"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/jonboulle/clockwork"
)

// ThroughputCollector reports processed heartbeats per minute since the previous collection.
type ThroughputCollector struct {
	clock clockwork.Clock

	mu    sync.Mutex
	count int64
	since time.Time
}

// NewThroughputCollector starts counting at the current time.
func NewThroughputCollector(clock clockwork.Clock) *ThroughputCollector {
	return &ThroughputCollector{clock: clock, since: clock.Now()}
}

// Observe counts one received heartbeat. Timeout updates are not heartbeats.
func (c *ThroughputCollector) Observe(u models.HeartbeatUpdate) {
	if u.TimedOut {
		return
	}
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *ThroughputCollector) Name() string {
	return "throughput"
}

// Collect returns the rate for the window and starts a new one.
func (c *ThroughputCollector) Collect(context.Context) *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	elapsed := now.Sub(c.since)
	var perMinute float64
	if elapsed > 0 {
		perMinute = float64(c.count) / elapsed.Minutes()
	}
	c.count = 0
	c.since = now
	return &perMinute
}

func (c *ThroughputCollector) IsEnabled(*models.SamplerConfig) bool { return true }
func (c *ThroughputCollector) Unit() string                         { return "heartbeats/min" }
func (c *ThroughputCollector) Description() string {
	return "Heartbeats processed per minute over the last sampling window."
}
