package directory

import (
	"context"

	"github.com/benmeehan/fleet-monitor/internal/models"
)

// Directory is the authoritative list of printers and their persisted state.
type Directory interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetStats(ctx context.Context) (models.Stats, error)
	CreateDevice(ctx context.Context, name, clientID string) (*models.Device, error)
	DeleteDevice(ctx context.Context, id int64) error

	// UpdateHeartbeat records a heartbeat. Empty firmware or serial keep the stored value.
	UpdateHeartbeat(ctx context.Context, id int64, status models.StatusCode, firmwareVersion, deviceSerial string) error

	// UpdateStatus changes the status without touching the heartbeat time.
	UpdateStatus(ctx context.Context, id int64, status models.StatusCode) error

	SavePerformanceSample(ctx context.Context, sample models.PerformanceSample) error
	RecentPerformanceSamples(ctx context.Context, limit int) ([]models.PerformanceSample, error)

	// LoadBrokerConfig returns the stored broker configuration, or nil if none was saved.
	LoadBrokerConfig(ctx context.Context) (*models.BrokerConfig, error)
	SaveBrokerConfig(ctx context.Context, cfg models.BrokerConfig) error
}
