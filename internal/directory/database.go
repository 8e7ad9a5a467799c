package directory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	memoryPath        = ":memory:"
	dirPermissions    = 0o750
	connectionTimeout = 5 * time.Second
)

// Config holds database connection settings.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	WALMode     bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS printers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		client_id TEXT NOT NULL UNIQUE,
		device_sn TEXT,
		status INTEGER NOT NULL DEFAULT 1,
		firmware_version TEXT,
		last_heartbeat TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS performance_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		online_rate REAL,
		error_rate REAL,
		throughput REAL,
		host_cpu REAL,
		host_memory REAL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_data_timestamp ON performance_data(timestamp)`,
	`CREATE TABLE IF NOT EXISTS mqtt_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		broker_url TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 8083,
		protocol TEXT NOT NULL DEFAULT 'ws',
		username TEXT,
		password TEXT,
		qos INTEGER NOT NULL DEFAULT 0,
		heartbeat_topic TEXT NOT NULL,
		task_status_topic TEXT NOT NULL,
		command_topic TEXT NOT NULL,
		print_topic TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// Open opens the SQLite database and creates the schema.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode && cfg.Path != memoryPath {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer; one connection also keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return db, nil
}
