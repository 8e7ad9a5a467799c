package constants

import "time"

const (
	// HeartbeatTimeout is how long a printer may stay silent before it is marked offline.
	HeartbeatTimeout = 40 * time.Second

	// SweepInterval is the period of the stale-heartbeat sweep.
	SweepInterval = 30 * time.Second

	// ListenerPollInterval is how often deferred heartbeat listeners check the connection.
	ListenerPollInterval = time.Second

	// DeviceRefreshInterval is the period of the device cache refresh.
	DeviceRefreshInterval = time.Minute
)
