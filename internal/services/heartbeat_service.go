package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// directoryTimeout bounds each directory call made from a message or timer callback.
const directoryTimeout = 5 * time.Second

// ConnectionState reports whether the broker session is live.
type ConnectionState interface {
	IsConnected() bool
}

// HeartbeatMonitor tracks printer liveness from heartbeat messages.
//
// Every heartbeat re-arms a per-printer timeout; when it expires the printer
// is marked offline. A periodic sweep catches printers whose last heartbeat
// is stale without a pending timer, for example after a restart.
type HeartbeatMonitor struct {
	directory     directory.Directory
	conn          ConnectionState
	bus           *events.Bus
	clock         clockwork.Clock
	timeout       time.Duration
	sweepInterval time.Duration
	pollInterval  time.Duration
	logger        zerolog.Logger

	timers   *heartbeatTimers
	firmware cmap.ConcurrentMap[int64, string]

	watchMu  sync.Mutex
	watching map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatMonitor initializes a new HeartbeatMonitor.
func NewHeartbeatMonitor(dir directory.Directory, conn ConnectionState, bus *events.Bus, clock clockwork.Clock,
	timeout, sweepInterval, pollInterval time.Duration, logger zerolog.Logger) *HeartbeatMonitor {

	return &HeartbeatMonitor{
		directory:     dir,
		conn:          conn,
		bus:           bus,
		clock:         clock,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		pollInterval:  pollInterval,
		logger:        logger,
		timers:        newHeartbeatTimers(clock),
		firmware:      cmap.NewWithCustomShardingFunction[int64, string](shardDeviceID),
		watching:      make(map[string]struct{}),
	}
}

func shardDeviceID(id int64) uint32 {
	return uint32(id) ^ uint32(id>>32)
}

// Start launches the stale-heartbeat sweep in a separate goroutine.
func (h *HeartbeatMonitor) Start() error {
	if h.ctx != nil {
		h.logger.Warn().Msg("HeartbeatMonitor is already running")
		return errors.New("heartbeat monitor is already running")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runSweepLoop()
	}()

	h.logger.Info().Dur("timeout", h.timeout).Dur("sweep_interval", h.sweepInterval).Msg("HeartbeatMonitor started successfully")
	return nil
}

// Stop ends the sweep and cancels every pending timeout.
func (h *HeartbeatMonitor) Stop() error {
	if h.ctx == nil {
		h.logger.Warn().Msg("HeartbeatMonitor is not running")
		return errors.New("heartbeat monitor is not running")
	}

	h.cancel()
	h.wg.Wait()
	h.timers.stopAll()

	h.ctx = nil
	h.cancel = nil

	h.logger.Info().Msg("HeartbeatMonitor stopped successfully")
	return nil
}

func (h *HeartbeatMonitor) runSweepLoop() {
	ticker := h.clock.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			h.Sweep(h.ctx)
		case <-h.ctx.Done():
			h.logger.Info().Msg("HeartbeatMonitor sweep stopping gracefully")
			return
		}
	}
}

// HandleMessage decodes a heartbeat payload from a printer's heartbeat topic.
func (h *HeartbeatMonitor) HandleMessage(device models.Device, payload json.RawMessage) {
	var heartbeat models.HeartbeatPayload
	if err := json.Unmarshal(payload, &heartbeat); err != nil {
		h.logger.Warn().Err(err).Int64("device_id", device.ID).Msg("Dropping invalid heartbeat")
		return
	}
	if _, known := h.firmware.Get(device.ID); !known && device.FirmwareVersion != "" {
		h.firmware.SetIfAbsent(device.ID, device.FirmwareVersion)
	}
	h.OnHeartbeat(device.ID, heartbeat)
}

// OnHeartbeat re-arms the device timeout, persists the heartbeat and emits
// exactly one heartbeat update.
func (h *HeartbeatMonitor) OnHeartbeat(deviceID int64, heartbeat models.HeartbeatPayload) {
	h.timers.arm(deviceID, h.timeout, func() {
		h.expire(deviceID, heartbeat)
	})

	if !heartbeat.Status.Known() {
		h.logger.Warn().Int64("device_id", deviceID).Int("status", int(heartbeat.Status)).Msg("Heartbeat carries unknown status code")
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	err := h.directory.UpdateHeartbeat(ctx, deviceID, heartbeat.Status, heartbeat.FirmwareVersion, heartbeat.DeviceSerial)
	if err != nil {
		h.logger.Error().Err(err).Int64("device_id", deviceID).Msg("Failed to update heartbeat status")
	} else {
		h.logger.Info().
			Int64("device_id", deviceID).
			Int("status", int(heartbeat.Status)).
			Str("device_sn", heartbeat.DeviceSerial).
			Str("firmware_version", heartbeat.FirmwareVersion).
			Msg("Printer heartbeat update")
	}

	h.checkFirmware(deviceID, heartbeat.FirmwareVersion)

	events.Emit(h.bus, models.HeartbeatUpdated, models.HeartbeatUpdate{
		DeviceID:        deviceID,
		Status:          heartbeat.Status,
		DeviceSerial:    heartbeat.DeviceSerial,
		FirmwareVersion: heartbeat.FirmwareVersion,
		Timestamp:       h.clock.Now(),
		Error:           err,
	})
}

// expire marks a device offline after a missed heartbeat window.
func (h *HeartbeatMonitor) expire(deviceID int64, last models.HeartbeatPayload) {
	h.logger.Warn().Int64("device_id", deviceID).Dur("timeout", h.timeout).Msg("Printer heartbeat timeout, marking offline")
	h.markOffline(deviceID, last.DeviceSerial, last.FirmwareVersion)
}

// markOffline stores the offline status and emits the timeout update. It
// reports whether the status was stored; on failure the mark is released so
// the next sweep retries.
func (h *HeartbeatMonitor) markOffline(deviceID int64, serial, firmware string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	err := h.directory.UpdateStatus(ctx, deviceID, models.StatusOffline)
	if err != nil {
		h.logger.Error().Err(err).Int64("device_id", deviceID).Msg("Failed to update timeout status")
		h.timers.unmark(deviceID)
	} else if !h.timers.isMarked(deviceID) {
		h.logger.Debug().Int64("device_id", deviceID).Msg("Printer forgotten or heard from while marking offline")
		return false
	}

	events.Emit(h.bus, models.HeartbeatUpdated, models.HeartbeatUpdate{
		DeviceID:        deviceID,
		Status:          models.StatusOffline,
		DeviceSerial:    serial,
		FirmwareVersion: firmware,
		Timestamp:       h.clock.Now(),
		TimedOut:        true,
		Error:           err,
	})
	return err == nil
}

// Sweep marks offline every printer whose last heartbeat is missing or older
// than the timeout, unless it is already offline or a pending timer owns it.
// A printer whose offline write failed earlier is retried. It returns the
// number of printers stored as offline.
func (h *HeartbeatMonitor) Sweep(ctx context.Context) int {
	listCtx, cancel := context.WithTimeout(ctx, directoryTimeout)
	devices, err := h.directory.ListDevices(listCtx)
	cancel()
	if err != nil {
		h.logger.Error().Err(err).Msg("Heartbeat sweep failed to list printers")
		return 0
	}

	now := h.clock.Now()
	marked := 0
	for _, device := range devices {
		if device.Status == models.StatusOffline {
			continue
		}
		if device.LastHeartbeatAt != nil && now.Sub(*device.LastHeartbeatAt) <= h.timeout {
			continue
		}
		if !h.timers.claim(device.ID) {
			continue
		}

		h.logger.Warn().Int64("device_id", device.ID).Msg("Stale heartbeat found by sweep, marking offline")
		if h.markOffline(device.ID, device.DeviceSerial, device.FirmwareVersion) {
			marked++
		}
	}
	return marked
}

// Forget cancels the device's timeout and drops its cached state. When it
// returns no new timeout for the device can start, and a timeout already
// being processed emits nothing.
func (h *HeartbeatMonitor) Forget(deviceID int64) {
	h.timers.cancel(deviceID)
	h.firmware.Remove(deviceID)
}

// WatchHeartbeats registers fn for heartbeat updates under name. While the
// broker is disconnected the registration is deferred: it is retried every
// poll interval until the connection is up or ctx is done.
func (h *HeartbeatMonitor) WatchHeartbeats(ctx context.Context, name string, fn func(models.HeartbeatUpdate)) error {
	if name == "" || fn == nil {
		return events.ErrInvalidListener
	}

	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	if _, pending := h.watching[name]; pending || events.Has(h.bus, models.HeartbeatUpdated, name) {
		return fmt.Errorf("%w: %s", events.ErrDuplicateListener, name)
	}

	if h.conn.IsConnected() {
		return events.On(h.bus, models.HeartbeatUpdated, name, fn)
	}

	h.watching[name] = struct{}{}
	h.logger.Debug().Str("listener", name).Msg("Not connected, deferring heartbeat listener")

	go h.deferWatch(ctx, name, fn)
	return nil
}

func (h *HeartbeatMonitor) deferWatch(ctx context.Context, name string, fn func(models.HeartbeatUpdate)) {
	ticker := h.clock.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.watchMu.Lock()
			delete(h.watching, name)
			h.watchMu.Unlock()
			return
		case <-ticker.Chan():
			if !h.conn.IsConnected() {
				continue
			}
			h.watchMu.Lock()
			delete(h.watching, name)
			err := events.On(h.bus, models.HeartbeatUpdated, name, fn)
			h.watchMu.Unlock()
			if err != nil {
				h.logger.Error().Err(err).Str("listener", name).Msg("Failed to register deferred heartbeat listener")
			} else {
				h.logger.Debug().Str("listener", name).Msg("Deferred heartbeat listener registered")
			}
			return
		}
	}
}

// checkFirmware emits a firmware change when the reported version differs
// from the last one seen.
func (h *HeartbeatMonitor) checkFirmware(deviceID int64, current string) {
	if current == "" {
		return
	}
	previous, known := h.firmware.Get(deviceID)
	h.firmware.Set(deviceID, current)
	if !known || previous == current {
		return
	}

	upgrade := false
	prevVer, prevErr := semver.NewVersion(previous)
	curVer, curErr := semver.NewVersion(current)
	if prevErr == nil && curErr == nil {
		upgrade = curVer.GreaterThan(prevVer)
	} else {
		h.logger.Debug().Str("previous", previous).Str("current", current).Msg("Firmware version is not semver, cannot order")
	}

	h.logger.Info().Int64("device_id", deviceID).Str("previous", previous).Str("current", current).Bool("upgrade", upgrade).Msg("Printer firmware changed")
	events.Emit(h.bus, models.FirmwareChanged, models.FirmwareChange{
		DeviceID: deviceID,
		Previous: previous,
		Current:  current,
		Upgrade:  upgrade,
	})
}
