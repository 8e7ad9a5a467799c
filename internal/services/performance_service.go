package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/directory"
	"github.com/benmeehan/fleet-monitor/internal/metrics_collectors"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/internal/utils"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const samplerListenerName = "performance-sampler"

// SampleSink receives every collected sample in addition to the directory.
type SampleSink interface {
	WriteSample(ctx context.Context, sample models.PerformanceSample) error
}

// SamplerOptions tunes the PerformanceSampler.
type SamplerOptions struct {
	Interval       time.Duration
	CollectTimeout time.Duration
	MaxSamples     int
	Workers        int
	HostMetrics    bool
}

// PerformanceSampler periodically samples fleet health and keeps a short
// in-memory series of the latest samples.
type PerformanceSampler struct {
	directory  directory.Directory
	bus        *events.Bus
	clock      clockwork.Clock
	opts       SamplerOptions
	config     *models.SamplerConfig
	registry   *metrics_collectors.MetricsRegistry
	throughput *metrics_collectors.ThroughputCollector
	sink       SampleSink
	logger     zerolog.Logger

	workerPool *utils.WorkerPool

	mu      sync.RWMutex
	samples []models.PerformanceSample

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPerformanceSampler initializes a sampler. sink may be nil.
func NewPerformanceSampler(dir directory.Directory, bus *events.Bus, clock clockwork.Clock, opts SamplerOptions,
	sink SampleSink, logger zerolog.Logger) *PerformanceSampler {

	s := &PerformanceSampler{
		directory:  dir,
		bus:        bus,
		clock:      clock,
		opts:       opts,
		config:     &models.SamplerConfig{HostMetrics: opts.HostMetrics},
		registry:   metrics_collectors.NewMetricsRegistry(),
		throughput: metrics_collectors.NewThroughputCollector(clock),
		sink:       sink,
		logger:     logger,
	}

	s.registerDefaultCollectors()
	return s
}

func (s *PerformanceSampler) registerDefaultCollectors() {
	s.registry.Register(&metrics_collectors.OnlineRateCollector{Stats: s.directory, Logger: s.logger})
	s.registry.Register(&metrics_collectors.ErrorRateCollector{Stats: s.directory, Logger: s.logger})
	s.registry.Register(s.throughput)
	s.registry.Register(&metrics_collectors.CPUMetricCollector{Logger: s.logger})
	s.registry.Register(&metrics_collectors.MemoryMetricCollector{Logger: s.logger})
}

// Start loads the stored series, takes a first sample and keeps sampling
// every interval.
func (s *PerformanceSampler) Start() error {
	if s.ctx != nil {
		s.logger.Warn().Msg("PerformanceSampler is already running")
		return errors.New("performance sampler is already running")
	}

	if err := events.On(s.bus, models.HeartbeatUpdated, samplerListenerName, s.throughput.Observe); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.workerPool = utils.NewWorkerPool(s.opts.Workers)
	s.loadHistory()

	s.wg.Add(1)
	go s.runSamplingLoop()

	s.logger.Info().Dur("interval", s.opts.Interval).Int("max_samples", s.opts.MaxSamples).Msg("PerformanceSampler started successfully")
	return nil
}

// Stop ends sampling and waits for an in-flight collection to finish.
func (s *PerformanceSampler) Stop() error {
	if s.ctx == nil {
		s.logger.Warn().Msg("PerformanceSampler is not running")
		return errors.New("performance sampler is not running")
	}

	s.cancel()
	s.wg.Wait()
	s.workerPool.Shutdown()
	events.Off(s.bus, models.HeartbeatUpdated, samplerListenerName)

	s.ctx = nil
	s.cancel = nil

	s.logger.Info().Msg("PerformanceSampler stopped successfully")
	return nil
}

func (s *PerformanceSampler) loadHistory() {
	ctx, cancel := context.WithTimeout(s.ctx, directoryTimeout)
	defer cancel()

	history, err := s.directory.RecentPerformanceSamples(ctx, s.opts.MaxSamples)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load performance history")
		return
	}

	s.mu.Lock()
	s.samples = history
	s.mu.Unlock()
	s.logger.Debug().Int("samples", len(history)).Msg("Performance history loaded")
}

func (s *PerformanceSampler) runSamplingLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Sample(s.ctx)
	for {
		select {
		case <-ticker.Chan():
			s.Sample(s.ctx)
		case <-s.ctx.Done():
			s.logger.Info().Msg("Stopping performance sampling")
			return
		}
	}
}

// Sample collects one sample, appends it to the series, persists it and
// emits the updated series.
func (s *PerformanceSampler) Sample(ctx context.Context) models.PerformanceSample {
	sample := s.collect(ctx)

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if overflow := len(s.samples) - s.opts.MaxSamples; overflow > 0 {
		s.samples = append(s.samples[:0:0], s.samples[overflow:]...)
	}
	series := make([]models.PerformanceSample, len(s.samples))
	copy(series, s.samples)
	s.mu.Unlock()

	s.persist(ctx, sample)

	events.Emit(s.bus, models.PerformanceDataUpdated, series)
	return sample
}

// Samples returns a copy of the series, oldest first.
func (s *PerformanceSampler) Samples() []models.PerformanceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PerformanceSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// collect runs the enabled collectors concurrently on the worker pool.
func (s *PerformanceSampler) collect(ctx context.Context) models.PerformanceSample {
	sample := models.PerformanceSample{Timestamp: s.clock.Now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CollectTimeout)
	defer cancel()

	var sampleMu sync.Mutex
	var tasks []func()

	for name, collector := range s.registry.GetCollectors() {
		name, collector := name, collector
		if !collector.IsEnabled(s.config) {
			continue
		}
		tasks = append(tasks, func() {
			value := collector.Collect(ctx)
			if value == nil {
				return
			}

			sampleMu.Lock()
			defer sampleMu.Unlock()
			switch name {
			case "online_rate":
				sample.OnlineRate = *value
			case "error_rate":
				sample.ErrorRate = *value
			case "throughput":
				sample.Throughput = *value
			case "cpu":
				sample.HostCPU = value
			case "memory":
				sample.HostMemory = value
			}
		})
	}

	if err := s.workerPool.RunAll(ctx, tasks...); err != nil {
		s.logger.Warn().Err(err).Msg("Performance sample incomplete")
	}
	s.logger.Debug().
		Float64("online_rate", sample.OnlineRate).
		Float64("error_rate", sample.ErrorRate).
		Float64("throughput", sample.Throughput).
		Msg("Performance sample collected")
	return sample
}

func (s *PerformanceSampler) persist(ctx context.Context, sample models.PerformanceSample) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	if err := s.directory.SavePerformanceSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save performance sample")
	}
	if s.sink != nil {
		if err := s.sink.WriteSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Msg("Failed to write performance sample to sink")
		}
	}
}
