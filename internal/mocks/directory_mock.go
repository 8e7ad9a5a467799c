package mocks

import (
	"context"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockDirectory is a mock implementation of the directory.Directory interface
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ListDevices(ctx context.Context) ([]models.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]models.Device)
	return devices, args.Error(1)
}

func (m *MockDirectory) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	args := m.Called(ctx, id)
	device, _ := args.Get(0).(*models.Device)
	return device, args.Error(1)
}

func (m *MockDirectory) GetStats(ctx context.Context) (models.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Stats), args.Error(1)
}

func (m *MockDirectory) CreateDevice(ctx context.Context, name, clientID string) (*models.Device, error) {
	args := m.Called(ctx, name, clientID)
	device, _ := args.Get(0).(*models.Device)
	return device, args.Error(1)
}

func (m *MockDirectory) DeleteDevice(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDirectory) UpdateHeartbeat(ctx context.Context, id int64, status models.StatusCode, firmwareVersion, deviceSerial string) error {
	args := m.Called(ctx, id, status, firmwareVersion, deviceSerial)
	return args.Error(0)
}

func (m *MockDirectory) UpdateStatus(ctx context.Context, id int64, status models.StatusCode) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockDirectory) SavePerformanceSample(ctx context.Context, sample models.PerformanceSample) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

func (m *MockDirectory) RecentPerformanceSamples(ctx context.Context, limit int) ([]models.PerformanceSample, error) {
	args := m.Called(ctx, limit)
	samples, _ := args.Get(0).([]models.PerformanceSample)
	return samples, args.Error(1)
}

func (m *MockDirectory) LoadBrokerConfig(ctx context.Context) (*models.BrokerConfig, error) {
	args := m.Called(ctx)
	cfg, _ := args.Get(0).(*models.BrokerConfig)
	return cfg, args.Error(1)
}

func (m *MockDirectory) SaveBrokerConfig(ctx context.Context, cfg models.BrokerConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}
