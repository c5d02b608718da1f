// Package errtype classifies the error taxonomy described in the core's
// error handling design: configuration errors, transport errors, runner
// failures, CPU threshold violations and worker crashes.
package errtype

import "errors"

// Class identifies which branch of the error taxonomy an error belongs to.
type Class string

const (
	// Configuration errors are fatal at start: missing credentials,
	// impossible datastore settings, warmup+iterations == 0, unresolved
	// hosts. The caller must not start the benchmark.
	Configuration Class = "configuration"

	// Transport errors occur per request: connection refused, timeout,
	// or a transient error from the metrics store client.
	Transport Class = "transport"

	// RunnerFailure is a per-request error returned by the runner interface.
	RunnerFailure Class = "runner"

	// CPUThresholdExceeded is synthesized by the redline feedback actor
	// when a node's mean CPU usage crosses workload.redline.max_cpu_usage.
	CPUThresholdExceeded Class = "cpu_threshold_exceeded"

	// WorkerCrash means a worker actor exited before reaching the final
	// join point.
	WorkerCrash Class = "worker_crash"
)

// Error wraps an underlying cause with its taxonomy class.
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(class Class, msg string) *Error {
	return &Error{Class: class, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(class Class, msg string, err error) *Error {
	return &Error{Class: class, Msg: msg, Err: err}
}

// Is reports whether err belongs to the given class.
func Is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
