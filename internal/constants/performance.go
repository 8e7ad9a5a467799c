package constants

import "time"

const (
	// DefaultSampleInterval is the period between performance samples.
	DefaultSampleInterval = 5 * time.Minute

	// DefaultMaxSamples is the number of samples kept in memory.
	DefaultMaxSamples = 24

	// DefaultCollectTimeout bounds a single collection round.
	DefaultCollectTimeout = 10 * time.Second
)
