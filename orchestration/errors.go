// Package orchestration runs registered components and pipelines, recording
// every invocation as a vertex in the lineage graph.
//
// A component is a user function plus a static ComponentSpec naming its
// platform and configuration. The Runner dispatches each invocation through
// a platform driver under a RetryPolicy, projects the raw output into a
// named mapping, and records a Component vertex with DEPENDS_ON edges to
// its parents. The PipelineRunner demarcates one end-to-end workflow with
// PipelineStart and PipelineEnd vertices.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/twingraph/twingraph-go/graphstore"
	"github.com/twingraph/twingraph-go/orchestration/platform"
)

// ValidationError reports a signature mismatch or an invalid declaration.
// Never retryable; surfaced before any dispatch.
type ValidationError struct {
	Component string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("component %s: %s", e.Component, e.Msg)
	}
	return e.Msg
}

// TimeoutError reports an exceeded per-attempt or aggregate deadline.
type TimeoutError struct {
	Component string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("component %s: deadline exceeded after %v", e.Component, e.Elapsed)
}

// ComponentExecutionError is the terminal failure of one invocation, raised
// after retries are exhausted. The vertex has already been recorded with
// Success=false when this surfaces.
type ComponentExecutionError struct {
	ComponentName string
	ExecutionID   string
	Platform      string
	Cause         error
}

func (e *ComponentExecutionError) Error() string {
	return fmt.Sprintf("component %s (execution %s, platform %s): %v",
		e.ComponentName, e.ExecutionID, e.Platform, e.Cause)
}

func (e *ComponentExecutionError) Unwrap() error { return e.Cause }

// PipelineExecutionError wraps the first failure surfaced from a pipeline's
// composition function.
type PipelineExecutionError struct {
	Pipeline  string
	Component string
	Cause     error
}

func (e *PipelineExecutionError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("pipeline %s: component %s failed: %v", e.Pipeline, e.Component, e.Cause)
	}
	return fmt.Sprintf("pipeline %s: %v", e.Pipeline, e.Cause)
}

func (e *PipelineExecutionError) Unwrap() error { return e.Cause }

// errorKind maps an error to the label used on the error counter.
func errorKind(err error) string {
	var (
		validationErr *ValidationError
		configErr     *platform.ConfigurationError
		timeoutErr    *TimeoutError
		execErr       *platform.ExecutionError
		connErr       *graphstore.GraphConnectionError
		opErr         *graphstore.GraphOperationError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &configErr):
		return "configuration"
	case errors.As(err, &connErr), errors.As(err, &opErr):
		return "graph"
	case errors.As(err, &execErr):
		return "platform"
	default:
		return "unknown"
	}
}

// DefaultRetryable classifies failures for the retry loop: network errors,
// transient platform signals, and graph connection blips retry; validation,
// configuration, cancellation, and deadline errors surface immediately, as
// does everything unclassified.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var validationErr *ValidationError
	var configErr *platform.ConfigurationError
	if errors.As(err, &validationErr) || errors.As(err, &configErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var execErr *platform.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Transient
	}
	var connErr *graphstore.GraphConnectionError
	return errors.As(err, &connErr)
}
