package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/service_registry"
	"github.com/benmeehan/fleet-monitor/internal/services"
	"github.com/benmeehan/fleet-monitor/internal/timeseries"
	"github.com/benmeehan/fleet-monitor/internal/utils"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/file"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const defaultConfigFile = "configs/config.yaml"

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "fleet-monitor").Logger()

	configFile := os.Getenv("FLEET_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}

	fileClient := file.NewFileService()

	// First run: write the defaults so operators have a file to edit
	exists, err := fileClient.IsFileExists(configFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", configFile).Msg("Failed to check configuration file")
	}
	if !exists {
		if err := fileClient.WriteYamlFile(configFile, utils.DefaultConfig()); err != nil {
			logger.Fatal().Err(err).Str("file", configFile).Msg("Failed to write default configuration")
		}
		logger.Warn().Str("file", configFile).Msg("Configuration file not found, wrote defaults")
	}

	config, err := utils.LoadConfig(configFile, fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil {
		logger.Warn().Str("level", config.Logging.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	clock := clockwork.NewRealClock()

	db, err := directory.Open(directory.Config{
		Path:        config.Directory.Path,
		BusyTimeout: config.Directory.BusyTimeout,
		WALMode:     true,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", config.Directory.Path).Msg("Failed to open device directory")
	}
	defer db.Close()
	dir := directory.NewSQLiteDirectory(db, clock)

	bus := events.NewBus(logger)
	conn := mqtt.NewConnectionManager(bus, mqtt.NewPahoClient, clock, config.Timings(), logger)

	var sink services.SampleSink
	influxCfg := config.Performance.InfluxDB
	if config.Performance.Enabled && influxCfg.Enabled {
		influx, err := timeseries.Connect(context.Background(), timeseries.Config{
			URL:    influxCfg.URL,
			Token:  influxCfg.Token,
			Org:    influxCfg.Org,
			Bucket: influxCfg.Bucket,
		})
		if err != nil {
			// Samples still go to the directory.
			logger.Warn().Err(err).Str("url", influxCfg.URL).Msg("InfluxDB unavailable, continuing without it")
		} else {
			defer influx.Close()
			sink = influx
		}
	}

	serviceRegistry := service_registry.NewServiceRegistry(conn, dir, bus, clock, fileClient, logger)
	if err := serviceRegistry.RegisterServices(config, sink); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register services")
	}

	logger.Info().Str("broker", config.ConnectionConfig().BrokerURL()).Msg("Starting fleet monitor")
	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors")
	}
}
