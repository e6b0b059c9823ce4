package orchestrator

import (
	"github.com/ShayCichocki/autoflow/internal/state"
)

// Option configures a Service. Use With* functions to create Options.
type Option func(*serviceOptions)

type serviceOptions struct {
	cfg         Config
	history     state.HistoryStore
	logger      *DebugLogger
	watch       <-chan struct{}
	emitter     *EventEmitter
	eventBuffer int
}

func defaultOptions() *serviceOptions {
	return &serviceOptions{
		cfg:         DefaultConfig(),
		logger:      NopLogger(),
		eventBuffer: 256,
	}
}

// WithConfig sets the initial engine configuration.
func WithConfig(cfg Config) Option {
	return func(o *serviceOptions) { o.cfg = cfg }
}

// WithHistory sets the run-history store.
func WithHistory(h state.HistoryStore) Option {
	return func(o *serviceOptions) { o.history = h }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithWatch sets a channel that signals backlog changes on disk.
func WithWatch(ch <-chan struct{}) Option {
	return func(o *serviceOptions) { o.watch = ch }
}

// WithEmitter shares an externally created event emitter, so a worker
// constructed before the service can emit on the same stream.
func WithEmitter(e *EventEmitter) Option {
	return func(o *serviceOptions) { o.emitter = e }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *serviceOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}
