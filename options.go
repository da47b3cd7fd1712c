package docsync

import (
	"time"

	"github.com/c0deZ3R0/go-doc-sync/logging"
)

// DefaultHeartbeatInterval is the ping period used when none is configured.
const DefaultHeartbeatInterval = 10 * time.Second

const (
	// DefaultLoadAttempts is how often a retryable load failure is tried.
	DefaultLoadAttempts = 3
	// DefaultLoadBackoff is the wait before the second load attempt. Each
	// later attempt waits one more multiple of it.
	DefaultLoadBackoff = 100 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	// Logger receives diagnostics. Nil means logging.Default().
	Logger *logging.Logger

	// HeartbeatInterval is the time between pings. A connection that has not
	// answered the previous ping when the next one is due is closed. Zero
	// means DefaultHeartbeatInterval; a negative value disables heartbeats.
	HeartbeatInterval time.Duration

	// Metrics receives protocol metrics. Nil discards them.
	Metrics MetricsCollector

	// LoadAttempts bounds how often a document load is tried when the
	// persister reports a retryable error. Zero means DefaultLoadAttempts.
	LoadAttempts int
	LoadBackoff  time.Duration
}

// Option customises Options.
type Option func(*Options)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithHeartbeatInterval sets the ping period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

// WithLoadRetry sets how often, and with what backoff, retryable load
// failures are retried. attempts of one disables retries.
func WithLoadRetry(attempts int, backoff time.Duration) Option {
	return func(o *Options) {
		o.LoadAttempts = attempts
		o.LoadBackoff = backoff
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Options) { o.Metrics = m }
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
	if o.LoadAttempts <= 0 {
		o.LoadAttempts = DefaultLoadAttempts
	}
	if o.LoadBackoff <= 0 {
		o.LoadBackoff = DefaultLoadBackoff
	}
}
