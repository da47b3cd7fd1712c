package docsync

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordMessage counts an inbound protocol message by type
	RecordMessage(msgType string)

	// RecordSyncDuration records how long a protocol operation took
	RecordSyncDuration(op string, d time.Duration)

	// RecordBroadcast records how many connections received an accepted update
	RecordBroadcast(recipients int)

	// RecordConflict counts canSync announcements answered with postConflict
	RecordConflict()

	// RecordRejection counts imports rolled back by the coordinator
	RecordRejection()

	// RecordSyncErrors records protocol operation errors
	RecordSyncErrors(op, reason string)

	// SetConnections reports the number of live connections
	SetConnections(n int)

	// SetControllers reports the number of loaded documents
	SetControllers(n int)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordMessage(msgType string)                  {}
func (*NoOpMetricsCollector) RecordSyncDuration(op string, d time.Duration) {}
func (*NoOpMetricsCollector) RecordBroadcast(recipients int)                {}
func (*NoOpMetricsCollector) RecordConflict()                               {}
func (*NoOpMetricsCollector) RecordRejection()                              {}
func (*NoOpMetricsCollector) RecordSyncErrors(op, reason string)            {}
func (*NoOpMetricsCollector) SetConnections(n int)                          {}
func (*NoOpMetricsCollector) SetControllers(n int)                          {}
