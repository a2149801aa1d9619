package pool

import (
	"time"

	"github.com/briarworks/offloadpool/internal/future"
)

// SubmitOption customizes a single Submit call. Kept as a small functional-
// option set (rather than a growing parameter list) the way the rest of the
// ecosystem configures one-off calls.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	onStream func(value any)
	handler  future.ResultHandler
}

// WithStreamSink registers fn to be called once per value a streaming
// callable emits, in addition to the values being collected onto the
// returned Future. Ignored for a single-shot callable. On the remote path it
// is also ignored if WithHandler was given (the custom handler owns value
// delivery then); fail-open local execution calls it either way.
func WithStreamSink(fn func(value any)) SubmitOption {
	return func(c *submitConfig) { c.onStream = fn }
}

// WithHandler overrides the ResultHandler a remote Submit call uses to
// process frames, in place of the built-in DefaultHandler/StreamCollector.
// Lets a caller deserialize a custom payload shape or adapt streaming
// output into its own sink instead of the Future's default
// accumulate-then-complete behavior.
func WithHandler(h future.ResultHandler) SubmitOption {
	return func(c *submitConfig) { c.handler = h }
}

func applyOptions(opts []SubmitOption) submitConfig {
	var cfg submitConfig
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Options configures a new Pool.
type Options struct {
	// WorkerCount is how many worker processes to spawn. Zero means
	// max(1, runtime.NumCPU()-1), leaving one core for the main process;
	// a larger value is capped at that same number.
	WorkerCount int

	// StartTimeout bounds how long StartWorkers waits for every worker's
	// start-complete and load-complete signals. Zero means a sensible
	// default.
	StartTimeout time.Duration

	// StopTimeout bounds how long Stop waits for workers to exit gracefully
	// before killing stragglers. Zero means a sensible default.
	StopTimeout time.Duration

	// OffloadEnabled seeds EnableOffload/DisableOffload's initial value.
	// Defaults to true.
	OffloadEnabled *bool

	// FailOpenEnabled seeds whether Submit runs locally when offload is
	// unavailable. Defaults to true, matching spec.md's default.
	FailOpenEnabled *bool

	// SubmissionQueueSize bounds the shared work-stealing channel every
	// worker-manager goroutine pulls from. Zero means a sensible default.
	SubmissionQueueSize int

	// Metrics, if set, receives Record*/Set* calls as the pool runs. Nil
	// disables metrics collection entirely.
	Metrics metricsCollector
}

// metricsCollector is satisfied by *metrics.Collector; declared as an
// interface here so this file does not need to import internal/metrics
// just to name the field's type, matching the teacher's light-coupling
// style between config structs and the packages they configure.
type metricsCollector interface {
	RecordSubmitted()
	RecordCompleted(latencySeconds float64)
	RecordFailed()
	RecordCancelled()
	RecordWorkerCrash()
	SetPending(n int)
	SetWorkersAlive(n int)
}
