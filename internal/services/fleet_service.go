package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// startupConnectTimeout bounds the initial connect made by Start.
const startupConnectTimeout = 45 * time.Second

// Connection is the lifecycle part of the connection manager.
type Connection interface {
	Connect(ctx context.Context, cfg mqtt.ConnectionConfig) error
	UpdateConfig(ctx context.Context, cfg mqtt.ConnectionConfig) error
	Disconnect()
	IsConnected() bool
}

// FleetService owns the printer list: it loads it from the directory, keeps
// the router's cache in sync and applies broker configuration changes.
type FleetService struct {
	directory       directory.Directory
	conn            Connection
	router          *TopicRouter
	heartbeat       *HeartbeatMonitor
	bus             *events.Bus
	clock           clockwork.Clock
	refreshInterval time.Duration
	clientIDPrefix  string
	logger          zerolog.Logger

	cfgMu  sync.RWMutex
	broker models.BrokerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFleetService initializes a new FleetService with the broker configuration
// from the config file. A configuration stored in the directory takes
// precedence at Start.
func NewFleetService(dir directory.Directory, conn Connection, router *TopicRouter, heartbeat *HeartbeatMonitor,
	bus *events.Bus, clock clockwork.Clock, broker models.BrokerConfig, clientIDPrefix string,
	refreshInterval time.Duration, logger zerolog.Logger) *FleetService {

	return &FleetService{
		directory:       dir,
		conn:            conn,
		router:          router,
		heartbeat:       heartbeat,
		bus:             bus,
		clock:           clock,
		broker:          broker,
		clientIDPrefix:  clientIDPrefix,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// Start loads the printers, connects to the broker and keeps the device cache
// fresh. Subscriptions follow the connection status through the router.
func (f *FleetService) Start() error {
	if f.ctx != nil {
		f.logger.Warn().Msg("FleetService is already running")
		return errors.New("fleet service is already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupConnectTimeout)
	defer cancel()

	if err := f.refreshDevices(ctx); err != nil {
		return fmt.Errorf("failed to load printers: %w", err)
	}
	f.applyStoredBrokerConfig(ctx)

	cfg := f.BrokerConfig()
	if err := f.conn.Connect(ctx, f.connectionConfig(cfg)); err != nil {
		f.logger.Error().Err(err).Str("broker", cfg.ConnectionConfig().BrokerURL()).Msg("Failed to connect to MQTT broker")
		return err
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.wg.Add(1)
	go f.runRefreshLoop()

	f.logger.Info().Int("printers", len(f.router.Devices())).Msg("FleetService started successfully")
	return nil
}

// Stop ends the refresh loop and disconnects from the broker.
func (f *FleetService) Stop() error {
	if f.ctx == nil {
		f.logger.Warn().Msg("FleetService is not running")
		return errors.New("fleet service is not running")
	}

	f.cancel()
	f.wg.Wait()
	f.conn.Disconnect()

	f.ctx = nil
	f.cancel = nil

	f.logger.Info().Msg("FleetService stopped successfully")
	return nil
}

func (f *FleetService) runRefreshLoop() {
	defer f.wg.Done()

	ticker := f.clock.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(f.ctx, directoryTimeout)
			if err := f.refreshDevices(ctx); err != nil {
				f.logger.Error().Err(err).Msg("Failed to refresh printers")
			}
			cancel()
		case <-f.ctx.Done():
			f.logger.Info().Msg("Printer refresh stopping gracefully")
			return
		}
	}
}

// refreshDevices reloads the printers from the directory. Printers deleted
// elsewhere lose their subscriptions and pending timeout.
func (f *FleetService) refreshDevices(ctx context.Context) error {
	devices, err := f.directory.ListDevices(ctx)
	if err != nil {
		return err
	}

	for _, removed := range f.router.SyncDevices(devices) {
		f.heartbeat.Forget(removed.ID)
		f.logger.Info().Int64("device_id", removed.ID).Str("client_id", removed.ClientID).Msg("Printer no longer in directory")
	}
	return nil
}

func (f *FleetService) applyStoredBrokerConfig(ctx context.Context) {
	stored, err := f.directory.LoadBrokerConfig(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to load stored broker configuration, using config file")
		return
	}
	if stored == nil {
		return
	}
	if err := stored.Validate(); err != nil {
		f.logger.Warn().Err(err).Msg("Stored broker configuration is invalid, using config file")
		return
	}

	f.cfgMu.Lock()
	f.broker = *stored
	f.cfgMu.Unlock()
	f.router.SetTemplates(*stored)
	f.logger.Info().Str("broker", stored.ConnectionConfig().BrokerURL()).Msg("Using stored broker configuration")
}

// AddDevice registers a printer and subscribes its topics.
func (f *FleetService) AddDevice(ctx context.Context, name, clientID string) (*models.Device, error) {
	device, err := f.directory.CreateDevice(ctx, name, clientID)
	if err != nil {
		return nil, err
	}

	if err := f.router.SubscribeOne(*device); err != nil {
		// Subscriptions are retried on the next connect.
		f.logger.Warn().Err(err).Int64("device_id", device.ID).Msg("Printer added without all subscriptions")
	}

	f.logger.Info().Int64("device_id", device.ID).Str("client_id", device.ClientID).Msg("Printer added")
	events.Emit(f.bus, models.PrinterAdded, models.PrinterAddedEvent{Device: *device})
	return device, nil
}

// RemoveDevice cancels the printer's timeout and subscriptions, then deletes
// it from the directory. When it returns no offline event can fire for it.
func (f *FleetService) RemoveDevice(ctx context.Context, id int64) error {
	device, ok := f.router.DeviceByID(id)
	if !ok {
		stored, err := f.directory.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		device = *stored
	}

	f.heartbeat.Forget(id)
	if err := f.router.UnsubscribeOne(device); err != nil {
		f.logger.Warn().Err(err).Int64("device_id", id).Msg("Printer removed with broker unsubscribe failure")
	}

	if err := f.directory.DeleteDevice(ctx, id); err != nil {
		return err
	}

	f.logger.Info().Int64("device_id", id).Str("client_id", device.ClientID).Msg("Printer removed")
	events.Emit(f.bus, models.DeviceDeleted, models.DeviceDeletedEvent{DeviceID: id})
	return nil
}

// UpdateConfig validates and stores cfg, then replaces the broker session.
// Printers are re-subscribed with the new topic layout once it connects.
func (f *FleetService) UpdateConfig(ctx context.Context, cfg models.BrokerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := f.directory.SaveBrokerConfig(ctx, cfg); err != nil {
		f.logger.Error().Err(err).Msg("Failed to store broker configuration")
		return err
	}

	f.cfgMu.Lock()
	f.broker = cfg
	f.cfgMu.Unlock()
	f.router.SetTemplates(cfg)

	return f.conn.UpdateConfig(ctx, f.connectionConfig(cfg))
}

// BrokerConfig returns the broker configuration in effect.
func (f *FleetService) BrokerConfig() models.BrokerConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.broker
}

// Devices returns the cached printers.
func (f *FleetService) Devices() []models.Device {
	return f.router.Devices()
}

// Stats returns the fleet status counts.
func (f *FleetService) Stats(ctx context.Context) (models.Stats, error) {
	return f.directory.GetStats(ctx)
}

func (f *FleetService) connectionConfig(cfg models.BrokerConfig) mqtt.ConnectionConfig {
	conn := cfg.ConnectionConfig()
	conn.ClientIDPrefix = f.clientIDPrefix
	return conn
}
