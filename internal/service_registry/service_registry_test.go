package service_registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/mocks"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/internal/utils"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/file"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	name     string
	startErr error
	stopErr  error
	calls    *[]string
}

func (s *stubService) Start() error {
	*s.calls = append(*s.calls, "start "+s.name)
	return s.startErr
}

func (s *stubService) Stop() error {
	*s.calls = append(*s.calls, "stop "+s.name)
	return s.stopErr
}

func newTestRegistry(t *testing.T, conn Connection) (*ServiceRegistry, *directory.SQLiteDirectory) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	db, err := directory.Open(directory.Config{Path: ":memory:", BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	dir := directory.NewSQLiteDirectory(db, clock)

	return NewServiceRegistry(conn, dir, events.NewBus(zerolog.Nop()), clock, file.NewFileService(), zerolog.Nop()), dir
}

func testConfig(t *testing.T) *utils.Config {
	cfg := utils.DefaultConfig()
	cfg.Tasks.StateFile = filepath.Join(t.TempDir(), "tasks.json")
	cfg.Performance.HostMetrics = false
	return cfg
}

// TestServiceRegistry_StartServices_RollsBack stops started services in reverse order when one fails.
func TestServiceRegistry_StartServices_RollsBack(t *testing.T) {
	// Setup
	var calls []string
	sr, _ := newTestRegistry(t, nil)
	sr.RegisterService("a", &stubService{name: "a", calls: &calls})
	sr.RegisterService("b", &stubService{name: "b", calls: &calls})
	sr.RegisterService("c", &stubService{name: "c", startErr: errors.New("boom"), calls: &calls})
	sr.RegisterService("a", &stubService{name: "duplicate", calls: &calls})

	// Execute
	err := sr.StartServices()

	// Assert
	assert.ErrorContains(t, err, "starting c: boom")
	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, calls)
}

// TestServiceRegistry_StopServices_JoinsErrors stops every service even when some fail.
func TestServiceRegistry_StopServices_JoinsErrors(t *testing.T) {
	var calls []string
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	sr, _ := newTestRegistry(t, nil)
	sr.RegisterService("a", &stubService{name: "a", stopErr: errA, calls: &calls})
	sr.RegisterService("b", &stubService{name: "b", calls: &calls})
	sr.RegisterService("c", &stubService{name: "c", stopErr: errC, calls: &calls})

	err := sr.StopServices()

	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, []string{"stop c", "stop b", "stop a"}, calls)
}

// TestServiceRegistry_RegisterServices_Order registers services in start order and skips disabled ones.
func TestServiceRegistry_RegisterServices_Order(t *testing.T) {
	cfg := testConfig(t)
	conn := mqtt.NewConnectionManager(nil, nil, clockwork.NewFakeClock(), cfg.Timings(), zerolog.Nop())

	enabled, _ := newTestRegistry(t, conn)
	require.NoError(t, enabled.RegisterServices(cfg, nil))
	assert.Equal(t, []string{"router", "heartbeat", "performance", "fleet"}, enabled.ServiceNames())
	assert.NotNil(t, enabled.Performance)
	assert.NotNil(t, enabled.Commands)

	cfg.Performance.Enabled = false
	disabled, _ := newTestRegistry(t, conn)
	require.NoError(t, disabled.RegisterServices(cfg, nil))
	assert.Equal(t, []string{"router", "heartbeat", "fleet"}, disabled.ServiceNames())
	assert.Nil(t, disabled.Performance)
}

// TestServiceRegistry_StartAndStop runs the monitor against a mocked paho client.
func TestServiceRegistry_StartAndStop(t *testing.T) {
	// Setup
	cfg := testConfig(t)
	cfg.Performance.Enabled = false

	client := &mocks.MockMQTTClient{}
	client.On("Connect").Return(mocks.CompletedToken(nil))
	client.On("Subscribe", mock.Anything, cfg.MQTT.QoS, mock.Anything).Return(mocks.CompletedToken(nil))
	client.On("Disconnect", mock.Anything).Return()
	factory := func(*paho.ClientOptions) mqtt.MQTTClient { return client }

	bus := events.NewBus(zerolog.Nop())
	conn := mqtt.NewConnectionManager(bus, factory, clockwork.NewFakeClock(), cfg.Timings(), zerolog.Nop())
	sr, dir := newTestRegistry(t, conn)
	sr.bus = bus

	device, err := dir.CreateDevice(context.Background(), "Front desk", "printer-a")
	require.NoError(t, err)
	require.NoError(t, sr.RegisterServices(cfg, nil))

	// Execute
	require.NoError(t, sr.StartServices())

	// Assert
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 3, sr.Router.SubscriptionCount())
	client.AssertCalled(t, "Subscribe", "printer/printer-a/heartbeat", cfg.MQTT.QoS, mock.Anything)
	client.AssertCalled(t, "Subscribe", "printer/printer-a/task_status", cfg.MQTT.QoS, mock.Anything)
	client.AssertCalled(t, "Subscribe", "printer/printer-a/command", cfg.MQTT.QoS, mock.Anything)

	deliver := subscribedHandler(t, client, "printer/printer-a/heartbeat")
	deliver(nil, mocks.NewMockMessage("printer/printer-a/heartbeat", []byte(`{"status":0,"deviceSn":"SN-1"}`)))
	assert.Eventually(t, func() bool {
		stored, err := dir.GetDevice(context.Background(), device.ID)
		return err == nil && stored.Status == models.StatusOnline && stored.DeviceSerial == "SN-1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sr.StopServices())
	assert.False(t, conn.IsConnected())
	client.AssertCalled(t, "Disconnect", mock.Anything)
}

func subscribedHandler(t *testing.T, client *mocks.MockMQTTClient, topic string) paho.MessageHandler {
	t.Helper()
	for _, call := range client.Calls {
		if call.Method == "Subscribe" && call.Arguments.String(0) == topic {
			return call.Arguments.Get(2).(paho.MessageHandler)
		}
	}
	t.Fatalf("no subscription for %s", topic)
	return nil
}
