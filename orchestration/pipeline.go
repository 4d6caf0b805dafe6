package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twingraph/twingraph-go/emit"
)

// PipelineFunc is a user composition function: it invokes components
// through the Pipeline handle it receives.
type PipelineFunc func(ctx context.Context, p *Pipeline) error

// PipelineRunner demarcates one end-to-end workflow execution: an optional
// graph clear, a PipelineStart vertex, the user composition function, and a
// PipelineEnd vertex carrying the outcome.
type PipelineRunner struct {
	name        string
	runner      *Runner
	clearGraph  bool
	distributed bool
	maxParallel int
}

// PipelineOption configures a PipelineRunner.
type PipelineOption func(*PipelineRunner)

// WithClearGraph wipes the lineage store before the run. Honored only in
// sequential mode; concurrent pipelines would race on the clear, so
// distributed runs skip it with a warning event.
func WithClearGraph() PipelineOption {
	return func(pr *PipelineRunner) { pr.clearGraph = true }
}

// WithDistributed submits component calls to a worker pool instead of
// running them inline. maxParallel <= 0 uses the default of 10.
func WithDistributed(maxParallel int) PipelineOption {
	return func(pr *PipelineRunner) {
		pr.distributed = true
		if maxParallel > 0 {
			pr.maxParallel = maxParallel
		}
	}
}

// DefaultMaxParallelTasks is the distributed-mode worker pool size.
const DefaultMaxParallelTasks = 10

// NewPipelineRunner wraps a component Runner for pipeline execution.
func NewPipelineRunner(name string, runner *Runner, opts ...PipelineOption) (*PipelineRunner, error) {
	if name == "" {
		return nil, &ValidationError{Msg: "pipeline name is required"}
	}
	if runner == nil {
		return nil, &ValidationError{Msg: "pipeline requires a component runner"}
	}
	pr := &PipelineRunner{
		name:        name,
		runner:      runner,
		maxParallel: DefaultMaxParallelTasks,
	}
	for _, opt := range opts {
		opt(pr)
	}
	return pr, nil
}

// Execute runs the composition function between PipelineStart and
// PipelineEnd vertices. Failures from the function are wrapped as
// PipelineExecutionError after the PipelineEnd vertex is written.
func (pr *PipelineRunner) Execute(ctx context.Context, fn PipelineFunc) error {
	if err := pr.maybeClear(ctx); err != nil {
		return err
	}

	start := time.Now().UTC()
	pipelineID, err := ExecutionID(nil, pr.name, nil, start)
	if err != nil {
		return &PipelineExecutionError{Pipeline: pr.name, Cause: err}
	}

	pr.writeNode(ctx, map[string]any{
		"Name":       "Pipeline:" + pr.name,
		"PipelineID": pipelineID,
		"Hash":       pipelineID,
		"Type":       "PipelineStart",
		"StartTime":  start.Format(time.RFC3339Nano),
	}, pipelineID)
	pr.runner.emitter.Emit(emit.Event{
		PipelineID: pipelineID,
		Status:     "running",
		Msg:        "pipeline_started",
		Meta:       map[string]any{"pipeline": pr.name},
	})

	p := &Pipeline{
		ID:     pipelineID,
		Name:   pr.name,
		runner: pr.runner,
	}
	if pr.distributed {
		p.pool = newWorkerPool(pr.maxParallel, pr.runner.metrics)
	}

	runErr := fn(ctx, p)
	if p.pool != nil {
		p.pool.close()
	}
	if runErr == nil {
		runErr = p.firstFailure()
	}
	end := time.Now().UTC()

	endAttrs := map[string]any{
		"Name":          "Pipeline:" + pr.name,
		"PipelineID":    pipelineID,
		"Hash":          pipelineID,
		"Type":          "PipelineEnd",
		"EndTime":       end.Format(time.RFC3339Nano),
		"ExecutionTime": end.Sub(start).Seconds(),
		"Success":       runErr == nil,
	}
	if runErr != nil {
		endAttrs["Error"] = runErr.Error()
	}
	pr.writeNode(ctx, endAttrs, pipelineID)

	if runErr != nil {
		pr.runner.emitter.Emit(emit.Event{
			PipelineID: pipelineID,
			Status:     "failed",
			Msg:        "pipeline_failed",
			Meta:       map[string]any{"pipeline": pr.name, "error": runErr.Error()},
		})
		var compErr *ComponentExecutionError
		component := ""
		if errors.As(runErr, &compErr) {
			component = compErr.ComponentName
		}
		return &PipelineExecutionError{Pipeline: pr.name, Component: component, Cause: runErr}
	}

	pr.runner.emitter.Emit(emit.Event{
		PipelineID: pipelineID,
		Status:     "completed",
		Msg:        "pipeline_completed",
		Meta:       map[string]any{"pipeline": pr.name},
	})
	return nil
}

func (pr *PipelineRunner) maybeClear(ctx context.Context) error {
	if !pr.clearGraph {
		return nil
	}
	if pr.distributed {
		pr.runner.emitter.Emit(emit.Event{
			Status: "warning",
			Msg:    "clear_graph_skipped",
			Meta:   map[string]any{"pipeline": pr.name, "reason": "distributed mode"},
		})
		return nil
	}
	if _, err := pr.runner.store.Clear(ctx); err != nil {
		return &PipelineExecutionError{Pipeline: pr.name, Cause: err}
	}
	return nil
}

// writeNode records a Pipeline vertex with the same lineage-loss tolerance
// as component recording.
func (pr *PipelineRunner) writeNode(ctx context.Context, attrs map[string]any, pipelineID string) {
	_, err := pr.runner.store.AddPipelineNode(ctx, attrs)
	if err != nil {
		pr.runner.metrics.RecordLineageLoss()
		pr.runner.emitter.Emit(emit.Event{
			PipelineID: pipelineID,
			Status:     "warning",
			Msg:        "lineage_loss",
			Meta:       map[string]any{"error": err.Error()},
		})
	}
}

// Pipeline is the handle the composition function uses to invoke
// components within one pipeline execution.
type Pipeline struct {
	ID   string
	Name string

	runner *Runner
	pool   *workerPool

	mu       sync.Mutex
	failures []error
}

// Run invokes a component and blocks until it completes, regardless of
// mode. Program order between Run calls is preserved in sequential
// pipelines.
func (p *Pipeline) Run(ctx context.Context, spec ComponentSpec, args map[string]any) (*Result, error) {
	return p.runner.Run(ctx, spec, args)
}

// Submit schedules a component on the worker pool and returns a Future. In
// sequential mode the call executes inline and the Future is already
// resolved. Submission blocks while the pool is saturated.
func (p *Pipeline) Submit(ctx context.Context, spec ComponentSpec, args map[string]any) *Future {
	f := &Future{done: make(chan struct{})}

	run := func() {
		f.result, f.err = p.runner.Run(ctx, spec, args)
		if f.err != nil {
			p.recordFailure(f.err)
		}
		close(f.done)
	}

	if p.pool == nil {
		run()
		return f
	}
	if err := p.pool.submit(ctx, run); err != nil {
		f.err = err
		p.recordFailure(err)
		close(f.done)
	}
	return f
}

func (p *Pipeline) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

// firstFailure returns the first Submit failure, if any. Run failures are
// the composition function's to propagate.
func (p *Pipeline) firstFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) == 0 {
		return nil
	}
	return p.failures[0]
}

// Future is a pending component result from Pipeline.Submit.
type Future struct {
	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the invocation finishes and returns its result.
func (f *Future) Wait() (*Result, error) {
	<-f.done
	return f.result, f.err
}

// Hash blocks until completion and returns the execution ID, usable
// directly as a parent_hash value. Failed invocations yield an empty hash.
func (f *Future) Hash() string {
	<-f.done
	if f.result == nil {
		return ""
	}
	return f.result.Hash
}
