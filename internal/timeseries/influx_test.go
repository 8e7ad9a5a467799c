package timeseries

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.query = r.URL.RawQuery
		status := f.status
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startFakeInflux(t *testing.T) (*fakeInflux, Config) {
	t.Helper()
	fake := &fakeInflux{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return fake, Config{URL: server.URL, Token: "test-token", Org: "fleet", Bucket: "performance"}
}

func TestConnect_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := Connect(context.Background(), Config{URL: url, Org: "fleet", Bucket: "performance"})

	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestWriteSample(t *testing.T) {
	fake, cfg := startFakeInflux(t)
	sink, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer sink.Close()

	cpu := 12.5
	err = sink.WriteSample(context.Background(), models.PerformanceSample{
		Timestamp:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		OnlineRate: 75,
		ErrorRate:  25,
		Throughput: 3,
		HostCPU:    &cpu,
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.bodies, 1)
	line := fake.bodies[0]
	assert.Contains(t, line, "fleet_performance,source=fleet-monitor")
	assert.Contains(t, line, "online_rate=75")
	assert.Contains(t, line, "host_cpu=12.5")
	assert.NotContains(t, line, "host_memory")
	assert.Contains(t, fake.query, "bucket=performance")
	assert.Contains(t, fake.query, "org=fleet")
}

func TestWriteSample_Rejected(t *testing.T) {
	fake, cfg := startFakeInflux(t)
	fake.status = http.StatusBadRequest
	sink, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer sink.Close()

	err = sink.WriteSample(context.Background(), models.PerformanceSample{Timestamp: time.Now()})

	assert.ErrorIs(t, err, ErrWriteFailed)
}
