package entitlement

import "time"

// Metrics defines the interface for tracking gate decisions and repository latency.
type Metrics interface {
	// RecordDecision records the outcome of a quota gate.
	RecordDecision(action, plan string, allowed bool)

	// RecordUsageSnapshot records how long building a usage snapshot took.
	RecordUsageSnapshot(duration time.Duration, err error)

	// RecordRepositoryOperation records the duration and status of a repository read.
	RecordRepositoryOperation(operation string, duration time.Duration, err error)

	// RecordConfigurationAlert records a configuration defect such as an unmapped price.
	RecordConfigurationAlert(kind string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(action, plan string, allowed bool)                              {}
func (n *NoopMetrics) RecordUsageSnapshot(duration time.Duration, err error)                         {}
func (n *NoopMetrics) RecordRepositoryOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordConfigurationAlert(kind string)                                          {}
