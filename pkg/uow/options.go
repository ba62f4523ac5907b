package uow

import (
	"context"
	"time"

	"uowcore/internal/checkpoint"
	"uowcore/internal/querycache"
	"uowcore/pkg/domain"
)

// Logger is the structured logger used by a unit of work. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder observes the outcome and latency of storage-facing operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around storage-facing operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation's error, nil on success.
type TraceSpan interface {
	End(err error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Journal receives every batch a save commits. Failures are logged and
// never undo the save.
type Journal interface {
	Record(ctx context.Context, checkpoint int, changes []domain.ChangeSet) error
}

// Option configures a UnitOfWork.
type Option func(*options)

type options struct {
	logger          Logger
	metrics         MetricsRecorder
	tracer          Tracer
	clock           Clock
	cache           *querycache.Cache
	checkpointLimit int
	journal         Journal
}

func defaultOptions() options {
	return options{
		logger:          noopLogger{},
		metrics:         noopMetrics{},
		tracer:          noopTracer{},
		clock:           ClockFunc(time.Now),
		checkpointLimit: checkpoint.DefaultLimit,
	}
}

// WithLogger routes diagnostic output to logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder reports operation outcomes to rec.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(o *options) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer wraps storage-facing operations in spans.
func WithTracer(tracer Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock overrides the clock used for timings and checkpoint stamps.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithQueryCache caches primary-key lookups for ttl, holding at most size
// lookups. A non-positive ttl disables the cache.
func WithQueryCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = querycache.New(size, ttl)
	}
}

// WithCheckpointLimit bounds the number of retained checkpoints.
func WithCheckpointLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.checkpointLimit = limit
		}
	}
}

// WithJournal records committed batches to j.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
