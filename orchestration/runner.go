package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twingraph/twingraph-go/emit"
	"github.com/twingraph/twingraph-go/graphstore"
	"github.com/twingraph/twingraph-go/orchestration/platform"
	"github.com/twingraph/twingraph-go/serialize"
)

// ParentHashKey is the reserved argument naming prior execution IDs the
// invocation depends on. It is popped before binding and never forwarded to
// the user function. String or string-slice values are accepted.
const ParentHashKey = "parent_hash"

// Result is the return value of one component invocation.
type Result struct {
	// Outputs is the projected output mapping.
	Outputs map[string]any

	// Hash is the invocation's execution ID, usable as a parent_hash in
	// downstream calls.
	Hash string

	// Component is the component name.
	Component string

	// Timestamp is the invocation start time.
	Timestamp time.Time
}

// Runner executes declared components: it binds and encodes inputs, derives
// the execution ID, dispatches through the platform driver under the retry
// policy, projects the output, and records one Component vertex per
// invocation, success or failure.
//
// Runners are safe for concurrent use; shared state is limited to the
// store, the metrics registry, and the captured VCS attributes.
type Runner struct {
	store   graphstore.Store
	emitter emit.Emitter
	metrics *Metrics
	cfg     Config
	retry   RetryPolicy

	gitTracking bool
	gitOnce     sync.Once
	gitAttrs    map[string]any
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner) error

// WithStore sets the lineage store. The default is an in-memory store.
func WithStore(store graphstore.Store) RunnerOption {
	return func(r *Runner) error {
		if store == nil {
			return &ValidationError{Msg: "store must not be nil"}
		}
		r.store = store
		return nil
	}
}

// WithEventEmitter sets the execution event sink.
func WithEventEmitter(emitter emit.Emitter) RunnerOption {
	return func(r *Runner) error {
		if emitter == nil {
			return &ValidationError{Msg: "emitter must not be nil"}
		}
		r.emitter = emitter
		return nil
	}
}

// WithMetrics sets the metrics collector. Nil metrics are a no-op.
func WithMetrics(metrics *Metrics) RunnerOption {
	return func(r *Runner) error {
		r.metrics = metrics
		return nil
	}
}

// WithRunnerConfig sets the resolved engine configuration.
func WithRunnerConfig(cfg Config) RunnerOption {
	return func(r *Runner) error {
		r.cfg = cfg
		return nil
	}
}

// WithDefaultRetry sets the policy used by components that declare none.
func WithDefaultRetry(policy RetryPolicy) RunnerOption {
	return func(r *Runner) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		r.retry = policy
		return nil
	}
}

// WithGitTracking attaches the working tree's commit, branch, author, and
// message to every recorded vertex. Capture failures degrade to empty
// attributes with a warning event.
func WithGitTracking() RunnerOption {
	return func(r *Runner) error {
		r.gitTracking = true
		return nil
	}
}

// NewRunner creates a Runner. Without options it records to an in-memory
// store with no events and no metrics.
func NewRunner(opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		store:   graphstore.NewMemoryStore(),
		emitter: emit.NewNullEmitter(),
		cfg:     ResolveConfig(),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run executes one component invocation.
//
// args carries the component's named arguments plus the optional reserved
// parent_hash entry. On failure the error wraps the terminal cause as a
// ComponentExecutionError; the vertex is recorded either way.
func (r *Runner) Run(ctx context.Context, spec ComponentSpec, args map[string]any) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	parents, rest := popParents(args)
	bound, err := spec.bindInputs(rest)
	if err != nil {
		return nil, err
	}
	encoded := serialize.EncodeMap(bound)

	start := time.Now().UTC()
	execID, err := ExecutionID(parents, spec.Name, bound, start)
	if err != nil {
		return nil, &ValidationError{Component: spec.Name, Msg: "hashing inputs: " + err.Error()}
	}

	tag := spec.platformTag()
	r.metrics.RecordInvocation(spec.Name, tag)
	r.metrics.InvocationStarted()
	defer r.metrics.InvocationFinished()
	r.emitter.Emit(emit.Event{
		ExecutionID: execID,
		Component:   spec.Name,
		Status:      "running",
		Msg:         "component_started",
	})

	raw, execErr := r.dispatch(ctx, spec, tag, execID, start, bound, encoded)

	var outputs map[string]any
	if execErr == nil {
		outputs = projectOutputs(raw, spec.OutputNames)
	}
	elapsed := time.Since(start)
	r.metrics.RecordDuration(spec.Name, tag, elapsed)

	r.record(ctx, spec, tag, execID, start, elapsed, parents, encoded, outputs, execErr)

	if execErr != nil {
		r.metrics.RecordError(spec.Name, tag, errorKind(execErr))
		r.emitter.Emit(emit.Event{
			ExecutionID: execID,
			Component:   spec.Name,
			Status:      "failed",
			Msg:         "component_failed",
			Meta:        map[string]any{"error": execErr.Error()},
		})
		return nil, &ComponentExecutionError{
			ComponentName: spec.Name,
			ExecutionID:   execID,
			Platform:      tag,
			Cause:         execErr,
		}
	}

	r.emitter.Emit(emit.Event{
		ExecutionID: execID,
		Component:   spec.Name,
		Status:      "completed",
		Msg:         "component_completed",
	})
	return &Result{
		Outputs:   outputs,
		Hash:      execID,
		Component: spec.Name,
		Timestamp: start,
	}, nil
}

// dispatch runs the driver under the component's retry policy. The local
// platform receives the bound values directly; remote platforms receive the
// encoded form.
func (r *Runner) dispatch(ctx context.Context, spec ComponentSpec, tag, execID string, start time.Time, bound, encoded map[string]any) (any, error) {
	driver, err := platform.ForTag(tag, spec.PlatformConfig)
	if err != nil {
		return nil, err
	}

	inputs := encoded
	if tag == platform.TagLocal {
		inputs = bound
	}
	execCtx := platform.Context{
		ExecutionID:   execID,
		ComponentName: spec.Name,
		StartTime:     start,
		Timeout:       spec.Timeout,
	}

	policy := r.retry
	if spec.Retry != nil {
		policy = *spec.Retry
	}

	var raw any
	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		raw, attemptErr = driver.Execute(ctx, spec.Function, inputs, execCtx)
		return attemptErr
	})
	r.metrics.RecordRetries(spec.Name, tag, attempts)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// record writes the Component vertex, retrying per the engine config. A
// write that still fails after the retry budget is logged and metered as
// lineage loss; it never fails the invocation.
func (r *Runner) record(ctx context.Context, spec ComponentSpec, tag, execID string, start time.Time, elapsed time.Duration, parents []string, encoded, outputs map[string]any, execErr error) {
	attrs := map[string]any{
		"Name":          spec.Name,
		"ExecutionID":   execID,
		"Hash":          execID,
		"StartTime":     start.Format(time.RFC3339Nano),
		"ExecutionTime": elapsed.Seconds(),
		"Success":       execErr == nil,
		"Platform":      tag,
		"Inputs":        encoded,
	}
	if execErr == nil {
		attrs["Outputs"] = serialize.EncodeMap(outputs)
	} else {
		attrs["Error"] = execErr.Error()
	}
	if len(parents) > 0 {
		attrs["ParentHashes"] = parents
	}
	if spec.Function.SourceListing != "" {
		attrs["SourceCode"] = spec.Function.SourceListing
	}
	if spec.FilePath != "" {
		attrs["FilePath"] = spec.FilePath
		attrs["LineNumber"] = spec.LineNumber
	}
	for k, v := range spec.Attributes {
		attrs[k] = v
	}
	for k, v := range r.vcsAttributes(ctx) {
		attrs[k] = v
	}

	policy := RetryPolicy{
		MaxAttempts:   r.cfg.RetryCount,
		InitialDelay:  r.cfg.RetryDelay,
		BackoffFactor: 2.0,
		Retryable:     func(error) bool { return true },
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	_, err := policy.Do(ctx, func(ctx context.Context) error {
		_, writeErr := r.store.AddComponentExecution(ctx, attrs, parents)
		return writeErr
	})
	if err != nil {
		r.metrics.RecordLineageLoss()
		r.emitter.Emit(emit.Event{
			ExecutionID: execID,
			Component:   spec.Name,
			Status:      "warning",
			Msg:         "lineage_loss",
			Meta:        map[string]any{"error": err.Error()},
		})
	}
}

// vcsAttributes captures git metadata once per runner.
func (r *Runner) vcsAttributes(ctx context.Context) map[string]any {
	if !r.gitTracking {
		return nil
	}
	r.gitOnce.Do(func() {
		r.gitAttrs = gitAttributes(ctx)
		if len(r.gitAttrs) == 0 {
			r.emitter.Emit(emit.Event{
				Status: "warning",
				Msg:    "git_attributes_unavailable",
			})
		}
	})
	return r.gitAttrs
}

// popParents extracts the reserved parent_hash argument and returns the
// remaining arguments untouched.
func popParents(args map[string]any) ([]string, map[string]any) {
	rest := make(map[string]any, len(args))
	for k, v := range args {
		if k != ParentHashKey {
			rest[k] = v
		}
	}

	var parents []string
	switch v := args[ParentHashKey].(type) {
	case string:
		if v != "" {
			parents = []string{v}
		}
	case []string:
		parents = append(parents, v...)
	case []any:
		for _, item := range v {
			parents = append(parents, fmt.Sprintf("%v", item))
		}
	case *Result:
		if v != nil {
			parents = []string{v.Hash}
		}
	}
	return parents, rest
}
