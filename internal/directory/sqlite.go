package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

const deviceColumns = `id, name, client_id, device_sn, status, firmware_version, last_heartbeat, created_at, updated_at`

// SQLiteDirectory implements Directory on SQLite.
type SQLiteDirectory struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLiteDirectory creates a directory over an open database. The clock
// stamps heartbeats and updates.
func NewSQLiteDirectory(db *sql.DB, clock clockwork.Clock) *SQLiteDirectory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLiteDirectory{db: db, clock: clock}
}

func (d *SQLiteDirectory) now() string {
	return d.clock.Now().UTC().Format(timeLayout)
}

// ListDevices returns all printers, newest first.
func (d *SQLiteDirectory) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM printers ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// GetDevice returns one printer by id.
func (d *SQLiteDirectory) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM printers WHERE id = ?`, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetStats counts printers by status.
func (d *SQLiteDirectory) GetStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := d.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN (2, 3, 4, 5) THEN 1 ELSE 0 END), 0)
		FROM printers`).Scan(&stats.Total, &stats.Online, &stats.Offline, &stats.Warning)
	if err != nil {
		return models.Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return stats, nil
}

// CreateDevice registers a printer. New printers start offline.
func (d *SQLiteDirectory) CreateDevice(ctx context.Context, name, clientID string) (*models.Device, error) {
	name = strings.TrimSpace(name)
	clientID = strings.TrimSpace(clientID)
	if name == "" || clientID == "" {
		return nil, fmt.Errorf("%w: name and client id are required", ErrInvalidDevice)
	}
	if strings.ContainsAny(clientID, "/+#") {
		return nil, fmt.Errorf("%w: client id %q contains topic characters", ErrInvalidDevice, clientID)
	}

	now := d.now()
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO printers (name, client_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, clientID, models.StatusOffline, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceExists, clientID)
		}
		return nil, fmt.Errorf("inserting device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading device id: %w", err)
	}
	return d.GetDevice(ctx, id)
}

// DeleteDevice removes a printer.
func (d *SQLiteDirectory) DeleteDevice(ctx context.Context, id int64) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result)
}

// UpdateHeartbeat stores status and identity from a heartbeat and stamps last_heartbeat.
func (d *SQLiteDirectory) UpdateHeartbeat(ctx context.Context, id int64, status models.StatusCode, firmwareVersion, deviceSerial string) error {
	now := d.now()
	result, err := d.db.ExecContext(ctx, `
		UPDATE printers SET
			status = ?,
			firmware_version = COALESCE(NULLIF(?, ''), firmware_version),
			device_sn = COALESCE(NULLIF(?, ''), device_sn),
			last_heartbeat = ?,
			updated_at = ?
		WHERE id = ?`,
		status, firmwareVersion, deviceSerial, now, now, id)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return requireRow(result)
}

// UpdateStatus changes a printer's status.
func (d *SQLiteDirectory) UpdateStatus(ctx context.Context, id int64, status models.StatusCode) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE printers SET status = ?, updated_at = ? WHERE id = ?`, status, d.now(), id)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return requireRow(result)
}

// SavePerformanceSample appends one sample to performance_data.
func (d *SQLiteDirectory) SavePerformanceSample(ctx context.Context, sample models.PerformanceSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = d.clock.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO performance_data (online_rate, error_rate, throughput, host_cpu, host_memory, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.OnlineRate, sample.ErrorRate, sample.Throughput,
		nullableFloat(sample.HostCPU), nullableFloat(sample.HostMemory),
		ts.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting performance sample: %w", err)
	}
	return nil
}

// RecentPerformanceSamples returns up to limit samples, oldest first.
func (d *SQLiteDirectory) RecentPerformanceSamples(ctx context.Context, limit int) ([]models.PerformanceSample, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT online_rate, error_rate, throughput, host_cpu, host_memory, timestamp FROM (
			SELECT * FROM performance_data ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying performance samples: %w", err)
	}
	defer rows.Close()

	var samples []models.PerformanceSample
	for rows.Next() {
		var (
			s        models.PerformanceSample
			cpu, mem sql.NullFloat64
			ts       string
		)
		if err := rows.Scan(&s.OnlineRate, &s.ErrorRate, &s.Throughput, &cpu, &mem, &ts); err != nil {
			return nil, fmt.Errorf("scanning performance sample: %w", err)
		}
		if cpu.Valid {
			s.HostCPU = &cpu.Float64
		}
		if mem.Valid {
			s.HostMemory = &mem.Float64
		}
		if s.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing sample timestamp: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// LoadBrokerConfig returns the saved broker configuration, or nil.
func (d *SQLiteDirectory) LoadBrokerConfig(ctx context.Context) (*models.BrokerConfig, error) {
	var (
		cfg                models.BrokerConfig
		username, password sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT broker_url, port, protocol, username, password, qos,
			heartbeat_topic, task_status_topic, command_topic, print_topic
		FROM mqtt_config WHERE id = 1`).Scan(
		&cfg.URL, &cfg.Port, &cfg.Transport, &username, &password, &cfg.QoS,
		&cfg.HeartbeatTopic, &cfg.TaskStatusTopic, &cfg.CommandTopic, &cfg.PrintTopic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying broker config: %w", err)
	}
	cfg.Username = username.String
	cfg.Password = password.String
	return &cfg, nil
}

// SaveBrokerConfig replaces the saved broker configuration.
func (d *SQLiteDirectory) SaveBrokerConfig(ctx context.Context, cfg models.BrokerConfig) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mqtt_config (id, broker_url, port, protocol, username, password, qos,
			heartbeat_topic, task_status_topic, command_topic, print_topic, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.URL, cfg.Port, cfg.Transport, cfg.Username, cfg.Password, cfg.QoS,
		cfg.HeartbeatTopic, cfg.TaskStatusTopic, cfg.CommandTopic, cfg.PrintTopic, d.now())
	if err != nil {
		return fmt.Errorf("saving broker config: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		device                      models.Device
		serial, firmware, heartbeat sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&device.ID, &device.DisplayName, &device.ClientID, &serial, &device.Status,
		&firmware, &heartbeat, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	device.DeviceSerial = serial.String
	device.FirmwareVersion = firmware.String

	var err error
	if heartbeat.Valid && heartbeat.String != "" {
		t, err := time.Parse(timeLayout, heartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		device.LastHeartbeatAt = &t
	}
	if device.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if device.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &device, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
