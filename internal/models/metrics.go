package models

import "time"

// PerformanceSample is one point of the fleet performance series.
type PerformanceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	OnlineRate float64   `json:"online_rate"`
	ErrorRate  float64   `json:"error_rate"`
	Throughput float64   `json:"throughput"`
	HostCPU    *float64  `json:"host_cpu,omitempty"`
	HostMemory *float64  `json:"host_memory,omitempty"`
}

// SamplerConfig selects the collectors the performance sampler runs.
type SamplerConfig struct {
	HostMetrics bool
}
