package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDirectory(t *testing.T) (*SQLiteDirectory, clockwork.FakeClock) {
	t.Helper()

	db, err := Open(Config{Path: ":memory:", BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewSQLiteDirectory(db, clock), clock
}

func TestCreateDevice(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()

	device, err := dir.CreateDevice(ctx, "Front desk", "XP421B-0001")

	require.NoError(t, err)
	assert.NotZero(t, device.ID)
	assert.Equal(t, "XP421B-0001", device.ClientID)
	assert.Equal(t, "Front desk", device.DisplayName)
	assert.Equal(t, models.StatusOffline, device.Status)
	assert.Nil(t, device.LastHeartbeatAt)
}

func TestCreateDevice_Duplicate(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateDevice(ctx, "A", "dup")
	require.NoError(t, err)
	_, err = dir.CreateDevice(ctx, "B", "dup")

	assert.ErrorIs(t, err, ErrDeviceExists)
}

// TestIsUniqueConstraintError matches on the driver's extended code, not the message.
func TestIsUniqueConstraintError(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	notNull := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}

	assert.True(t, isUniqueConstraintError(unique))
	assert.True(t, isUniqueConstraintError(fmt.Errorf("insert: %w", unique)))
	assert.False(t, isUniqueConstraintError(notNull))
	assert.False(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: printers.client_id")))
	assert.False(t, isUniqueConstraintError(nil))
}

func TestCreateDevice_Invalid(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateDevice(ctx, "", "id")
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = dir.CreateDevice(ctx, "name", "a/b")
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestUpdateHeartbeat(t *testing.T) {
	dir, clock := setupTestDirectory(t)
	ctx := context.Background()
	device, err := dir.CreateDevice(ctx, "P", "p1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, dir.UpdateHeartbeat(ctx, device.ID, models.StatusCoverOpen, "1.2.0", "SN-9"))

	got, err := dir.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCoverOpen, got.Status)
	assert.Equal(t, "1.2.0", got.FirmwareVersion)
	assert.Equal(t, "SN-9", got.DeviceSerial)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(clock.Now()))

	// Missing identity fields keep what is stored.
	require.NoError(t, dir.UpdateHeartbeat(ctx, device.ID, models.StatusOnline, "", ""))
	got, err = dir.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.FirmwareVersion)
	assert.Equal(t, "SN-9", got.DeviceSerial)
}

func TestUpdateStatus_KeepsHeartbeatTime(t *testing.T) {
	dir, clock := setupTestDirectory(t)
	ctx := context.Background()
	device, err := dir.CreateDevice(ctx, "P", "p1")
	require.NoError(t, err)
	require.NoError(t, dir.UpdateHeartbeat(ctx, device.ID, models.StatusOnline, "", ""))
	beat := clock.Now()

	clock.Advance(time.Minute)
	require.NoError(t, dir.UpdateStatus(ctx, device.ID, models.StatusOffline))

	got, err := dir.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
	assert.True(t, got.LastHeartbeatAt.Equal(beat))
}

func TestMissingDevice(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()

	_, err := dir.GetDevice(ctx, 42)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, dir.UpdateHeartbeat(ctx, 42, models.StatusOnline, "", ""), ErrDeviceNotFound)
	assert.ErrorIs(t, dir.UpdateStatus(ctx, 42, models.StatusOffline), ErrDeviceNotFound)
	assert.ErrorIs(t, dir.DeleteDevice(ctx, 42), ErrDeviceNotFound)
}

func TestListDevicesAndStats(t *testing.T) {
	dir, clock := setupTestDirectory(t)
	ctx := context.Background()

	statuses := []models.StatusCode{models.StatusOnline, models.StatusOnline, models.StatusOffline, models.StatusOutOfPaper, models.StatusOverheated}
	for i, status := range statuses {
		clock.Advance(time.Second)
		device, err := dir.CreateDevice(ctx, "P", string(rune('a'+i)))
		require.NoError(t, err)
		require.NoError(t, dir.UpdateStatus(ctx, device.ID, status))
	}

	devices, err := dir.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 5)
	assert.Equal(t, "e", devices[0].ClientID)

	stats, err := dir.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 5, Online: 2, Offline: 1, Warning: 2}, stats)
}

func TestGetStats_Empty(t *testing.T) {
	dir, _ := setupTestDirectory(t)

	stats, err := dir.GetStats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, stats)
}

func TestDeleteDevice(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()
	device, err := dir.CreateDevice(ctx, "P", "p1")
	require.NoError(t, err)

	require.NoError(t, dir.DeleteDevice(ctx, device.ID))

	devices, err := dir.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestPerformanceSamples(t *testing.T) {
	dir, clock := setupTestDirectory(t)
	ctx := context.Background()
	cpu := 12.5

	for i := 0; i < 4; i++ {
		clock.Advance(5 * time.Minute)
		require.NoError(t, dir.SavePerformanceSample(ctx, models.PerformanceSample{
			Timestamp:  clock.Now(),
			OnlineRate: float64(i),
			HostCPU:    &cpu,
		}))
	}

	samples, err := dir.RecentPerformanceSamples(ctx, 3)

	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 1.0, samples[0].OnlineRate)
	assert.Equal(t, 3.0, samples[2].OnlineRate)
	require.NotNil(t, samples[0].HostCPU)
	assert.Equal(t, 12.5, *samples[0].HostCPU)
	assert.Nil(t, samples[0].HostMemory)
}

func TestBrokerConfig(t *testing.T) {
	dir, _ := setupTestDirectory(t)
	ctx := context.Background()

	cfg, err := dir.LoadBrokerConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	want := models.BrokerConfig{
		URL: "broker.example.com", Port: 8084, Transport: "wss", Username: "u", QoS: 1,
		HeartbeatTopic: "p/{client_id}/hb", TaskStatusTopic: "p/{client_id}/ts",
		CommandTopic: "p/{client_id}/cmd", PrintTopic: "p/{client_id}/print",
	}
	require.NoError(t, dir.SaveBrokerConfig(ctx, want))
	want.Port = 8085
	require.NoError(t, dir.SaveBrokerConfig(ctx, want))

	cfg, err = dir.LoadBrokerConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, want, *cfg)
}
