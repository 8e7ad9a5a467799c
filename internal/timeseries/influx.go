// Package timeseries writes fleet performance samples to InfluxDB.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/models"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	pingTimeout = 5 * time.Second

	// measurement is the InfluxDB measurement samples are written to.
	measurement = "fleet_performance"
)

var (
	// ErrConnectionFailed is returned when the server cannot be reached at startup.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed is returned when a sample is rejected.
	ErrWriteFailed = errors.New("influxdb: write failed")
)

// Config selects the InfluxDB server and bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes one point per performance sample with a blocking write.
// Samples arrive minutes apart, so there is nothing to batch.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// Connect creates the client and checks the server answers a ping.
func Connect(ctx context.Context, cfg Config) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// WriteSample stores the sample. Host fields are omitted when they were not collected.
func (s *InfluxSink) WriteSample(ctx context.Context, sample models.PerformanceSample) error {
	if err := s.writeAPI.WritePoint(ctx, samplePoint(sample)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func samplePoint(sample models.PerformanceSample) *write.Point {
	fields := map[string]interface{}{
		"online_rate": sample.OnlineRate,
		"error_rate":  sample.ErrorRate,
		"throughput":  sample.Throughput,
	}
	if sample.HostCPU != nil {
		fields["host_cpu"] = *sample.HostCPU
	}
	if sample.HostMemory != nil {
		fields["host_memory"] = *sample.HostMemory
	}
	return write.NewPoint(measurement, map[string]string{"source": "fleet-monitor"}, fields, sample.Timestamp)
}
