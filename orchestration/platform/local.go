package platform

import (
	"context"
	"fmt"
)

// LocalDriver runs components in-process by calling the registered Go
// function directly. No serialization round trip.
//
// Timeouts are cooperative: the function receives a context with the
// deadline applied and is expected to honor it. Code that ignores the
// context cannot be cancelled mid-execution; use a process-external
// platform when hard kill semantics are required.
type LocalDriver struct{}

// NewLocalDriver creates the in-process driver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{}
}

// Tag returns "local".
func (d *LocalDriver) Tag() string { return TagLocal }

// SupportedLanguages returns the native runtime only.
func (d *LocalDriver) SupportedLanguages() []string { return []string{"go"} }

// Validate accepts any configuration; the in-process platform has no
// mandatory keys.
func (d *LocalDriver) Validate(config map[string]any) error { return nil }

// Execute invokes the descriptor's native function with the encoded inputs.
func (d *LocalDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	if fn.Invoke == nil {
		return nil, &ExecutionError{
			Platform: TagLocal,
			Msg:      fmt.Sprintf("component %s has no native entry point", fn.Name),
		}
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn.Invoke(ctx, inputs)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		// The goroutine keeps running; cancellation of in-process user
		// code is cooperative only.
		return nil, ctx.Err()
	}
}
