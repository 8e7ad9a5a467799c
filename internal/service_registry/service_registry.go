package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/registry"
	"github.com/benmeehan/fleet-monitor/internal/services"
	"github.com/benmeehan/fleet-monitor/internal/state_managers"
	"github.com/benmeehan/fleet-monitor/internal/utils"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/file"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Connection is the broker session shared by all services.
type Connection interface {
	services.Broker
	services.Connection
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	conn        Connection
	directory   directory.Directory
	bus         *events.Bus
	clock       clockwork.Clock
	fileClient  file.FileOperations
	Logger      zerolog.Logger

	// Set by RegisterServices.
	Router      *services.TopicRouter
	Heartbeat   *services.HeartbeatMonitor
	Commands    *services.CommandService
	Performance *services.PerformanceSampler
	Fleet       *services.FleetService
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(conn Connection, dir directory.Directory, bus *events.Bus, clock clockwork.Clock,
	fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		conn:       conn,
		directory:  dir,
		bus:        bus,
		clock:      clock,
		fileClient: fileClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// ServiceNames returns the registered service names in start order.
func (sr *ServiceRegistry) ServiceNames() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("starting %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the monitor's services from the configuration and
// registers them in start order. The router starts first so it sees the first
// Connected status; the fleet service starts last because it connects.
// sink may be nil.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, sink services.SampleSink) error {
	broker := config.MQTT.BrokerConfig
	taskState := state_managers.NewTaskStateManager(config.Tasks.StateFile, sr.fileClient, sr.Logger)

	sr.Router = services.NewTopicRouter(sr.conn, sr.bus, broker, sr.Logger)
	sr.Heartbeat = services.NewHeartbeatMonitor(
		sr.directory,
		sr.conn,
		sr.bus,
		sr.clock,
		config.Heartbeat.Timeout,
		config.Heartbeat.SweepInterval,
		config.Heartbeat.ListenerPoll,
		sr.Logger,
	)
	sr.Commands = services.NewCommandService(sr.conn, sr.Router, taskState, sr.bus, sr.clock, broker.QoS, sr.Logger)

	sr.Router.Handle(services.TopicHeartbeat, sr.Heartbeat.HandleMessage)
	sr.Router.Handle(services.TopicTaskStatus, sr.Commands.HandleTaskStatus)
	sr.Router.Handle(services.TopicCommand, sr.Commands.HandleCommand)

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:        "router",
			enabled:     true,
			constructor: func() (registry.Service, error) { return sr.Router, nil },
		},
		{
			name:        "heartbeat",
			enabled:     true,
			constructor: func() (registry.Service, error) { return sr.Heartbeat, nil },
		},
		{
			name:    "performance",
			enabled: config.Performance.Enabled,
			constructor: func() (registry.Service, error) {
				sr.Performance = services.NewPerformanceSampler(
					sr.directory,
					sr.bus,
					sr.clock,
					services.SamplerOptions{
						Interval:       config.Performance.Interval,
						CollectTimeout: config.Performance.CollectTimeout,
						MaxSamples:     config.Performance.MaxSamples,
						Workers:        config.Performance.Workers,
						HostMetrics:    config.Performance.HostMetrics,
					},
					sink,
					sr.Logger,
				)
				return sr.Performance, nil
			},
		},
		{
			name:    "fleet",
			enabled: true,
			constructor: func() (registry.Service, error) {
				sr.Fleet = services.NewFleetService(
					sr.directory,
					sr.conn,
					sr.Router,
					sr.Heartbeat,
					sr.bus,
					sr.clock,
					broker,
					config.MQTT.ClientIDPrefix,
					config.Directory.RefreshInterval,
					sr.Logger,
				)
				return sr.Fleet, nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if !svc.enabled {
			sr.Logger.Debug().Str("service", svc.name).Msg("Service is disabled, skipping")
			continue
		}
		serviceInstance, err := svc.constructor()
		if err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
			return err
		}
		sr.RegisterService(svc.name, serviceInstance)
		registeredServices = append(registeredServices, svc.name)
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
