// Package constants holds the tuning constants shared by the monitor,
// the throughput logs, and the device submission queues.
package constants

import "time"

// Monitor tuning constants, per the multi-factor caching algorithm.
const (
	// WaitStableThreshold: cache is considered stable once two
	// consecutive miss-ratio samples fall within this distance.
	WaitStableThreshold = 0.0015

	// WaitStableSleepInterval is the delay between stability samples.
	WaitStableSleepInterval = 100 * time.Millisecond

	// WorkloadChangeThreshold: a miss ratio this far above the stable
	// baseline is considered a workload shift.
	WorkloadChangeThreshold = 0.2

	// LoadAdmitTuningStep is the hill-climb neighbour step size.
	LoadAdmitTuningStep = 0.01

	// MeasureThroughputInterval is how long a load_admit probe is held
	// before its throughput is sampled.
	MeasureThroughputInterval = 25 * time.Millisecond
)

// DefaultLogCapacity is the default per-device throughput log capacity:
// roughly 60 seconds of history at 2,000 IOPS.
const DefaultLogCapacity = 120_000

// DefaultQueueDepth is the default number of pending I/Os a device
// submission queue will hold before Submit blocks.
const DefaultQueueDepth = 4096
