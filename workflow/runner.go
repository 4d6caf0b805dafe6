package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twingraph/twingraph-go/emit"
	"github.com/twingraph/twingraph-go/graphstore"
)

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusCancelled NodeStatus = "cancelled"
)

// Execution is the in-memory context of one workflow run. The scheduler
// writes; concurrent readers observe through the accessor methods.
type Execution struct {
	ID         string
	WorkflowID string

	mu       sync.RWMutex
	status   NodeStatus
	nodes    map[string]NodeStatus
	outputs  map[string]map[string]any
	failure  error
	started  time.Time
	finished time.Time
}

// Status returns the overall execution state.
func (e *Execution) Status() NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// NodeState returns one node's state.
func (e *Execution) NodeState(nodeID string) NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[nodeID]
}

// NodeOutputs returns a node's output mapping, or nil before completion.
func (e *Execution) NodeOutputs(nodeID string) map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outputs[nodeID]
}

// Err returns the first node failure, if any.
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// Runner executes validated workflows node by node in topological order.
//
// Each node dispatches to the LanguageDriver registered for its language;
// inputs are gathered from inbound edges port by port. Node status
// transitions are published through the emitter, and vertices are
// optionally recorded in a lineage store.
type Runner struct {
	emitter emit.Emitter
	store   graphstore.Store
	drivers map[string]LanguageDriver
}

// RunnerOption configures a workflow Runner.
type RunnerOption func(*Runner)

// WithEmitter sets the status event sink.
func WithEmitter(emitter emit.Emitter) RunnerOption {
	return func(r *Runner) {
		if emitter != nil {
			r.emitter = emitter
		}
	}
}

// WithLineageStore records one Component vertex per executed node, with
// DEPENDS_ON edges following the workflow's edges.
func WithLineageStore(store graphstore.Store) RunnerOption {
	return func(r *Runner) { r.store = store }
}

// WithLanguageDriver registers or replaces a driver.
func WithLanguageDriver(driver LanguageDriver) RunnerOption {
	return func(r *Runner) { r.drivers[driver.Language()] = driver }
}

// NewRunner creates a workflow Runner with the python, bash, and node
// drivers registered.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		emitter: emit.NewNullEmitter(),
		drivers: map[string]LanguageDriver{},
	}
	for _, d := range []LanguageDriver{NewPythonDriver(), NewBashDriver(), NewNodeDriver()} {
		r.drivers[d.Language()] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute validates and runs the workflow. parameters feed the input
// nodes. The returned Execution carries every node's terminal status and
// outputs; a node failure is also returned as the error after downstream
// nodes are marked skipped.
func (r *Runner) Execute(ctx context.Context, wf *Workflow, parameters map[string]any) (*Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	order, err := wf.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		status:     StatusRunning,
		nodes:      make(map[string]NodeStatus, len(wf.Nodes)),
		outputs:    make(map[string]map[string]any, len(wf.Nodes)),
		started:    time.Now().UTC(),
	}
	for _, node := range wf.Nodes {
		exec.nodes[node.ID] = StatusPending
	}
	r.publish(exec, wf, "", "", "execution_started")

	halted := map[string]bool{}
	for _, nodeID := range order {
		if err := ctx.Err(); err != nil {
			r.finish(exec, wf, StatusCancelled)
			return exec, err
		}
		if halted[nodeID] {
			exec.setNode(nodeID, StatusSkipped)
			r.publish(exec, wf, nodeID, StatusSkipped, "node_skipped")
			continue
		}

		node := wf.node(nodeID)
		inputs, err := r.gatherInputs(exec, wf, node, parameters)
		if err == nil {
			err = r.runNode(ctx, exec, wf, node, inputs)
		}
		if err != nil {
			exec.setNode(nodeID, StatusFailed)
			exec.setFailure(err)
			r.publish(exec, wf, nodeID, StatusFailed, "node_failed")
			for id := range wf.descendants(nodeID) {
				halted[id] = true
			}
		}
	}

	if exec.Err() != nil {
		r.finish(exec, wf, StatusFailed)
		return exec, exec.Err()
	}
	r.finish(exec, wf, StatusCompleted)
	return exec, nil
}

// gatherInputs walks the node's inbound edges. An edge with ports copies
// source_port's value into target_port; an edge without ports merges the
// source's entire output mapping. Port defaults fill anything still unset.
func (r *Runner) gatherInputs(exec *Execution, wf *Workflow, node *Node, parameters map[string]any) (map[string]any, error) {
	inputs := map[string]any{}

	if node.Kind == KindInput {
		for _, port := range node.Data.OutputPorts {
			if v, ok := parameters[port.Name]; ok {
				inputs[port.Name] = v
			} else if port.Default != nil {
				inputs[port.Name] = port.Default
			} else if port.Required {
				return nil, &ValidationError{Workflow: wf.Name, Msg: fmt.Sprintf("missing required parameter %q", port.Name)}
			}
		}
		return inputs, nil
	}

	for _, edge := range wf.inbound(node.ID) {
		source, ok := exec.outputs[edge.Source]
		if !ok {
			return nil, &ValidationError{Workflow: wf.Name, Msg: fmt.Sprintf("node %s: source %s has no outputs", node.ID, edge.Source)}
		}
		if edge.SourcePort == "" && edge.TargetPort == "" {
			for k, v := range source {
				inputs[k] = v
			}
			continue
		}
		value, ok := source[edge.SourcePort]
		if !ok {
			return nil, &ValidationError{Workflow: wf.Name, Msg: fmt.Sprintf("node %s: source %s has no port %q", node.ID, edge.Source, edge.SourcePort)}
		}
		target := edge.TargetPort
		if target == "" {
			target = edge.SourcePort
		}
		inputs[target] = value
	}

	for _, port := range node.Data.InputPorts {
		if _, ok := inputs[port.Name]; !ok && port.Default != nil {
			inputs[port.Name] = port.Default
		}
	}
	return inputs, nil
}

// runNode executes one node and stores its outputs.
func (r *Runner) runNode(ctx context.Context, exec *Execution, wf *Workflow, node *Node, inputs map[string]any) error {
	exec.setNode(node.ID, StatusRunning)
	r.publish(exec, wf, node.ID, StatusRunning, "node_started")
	start := time.Now().UTC()

	var outputs map[string]any
	var err error
	switch node.Kind {
	case KindInput, KindOutput:
		// Input and output nodes move data; nothing executes.
		outputs = inputs
	default:
		outputs, err = r.dispatch(ctx, node, inputs)
	}
	if err != nil {
		r.recordNode(ctx, exec, wf, node, start, nil, err)
		return err
	}

	exec.setOutputs(node.ID, outputs)
	exec.setNode(node.ID, StatusCompleted)
	r.publish(exec, wf, node.ID, StatusCompleted, "node_completed")
	r.recordNode(ctx, exec, wf, node, start, outputs, nil)
	return nil
}

// dispatch runs the node's source under its language driver, honoring the
// configured retry count.
func (r *Runner) dispatch(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error) {
	driver, ok := r.drivers[node.Data.Language]
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("node %s: no driver for language %q", node.ID, node.Data.Language)}
	}

	attempts := node.Data.Config.Retry + 1
	var outputs map[string]any
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		outputs, err = driver.Run(ctx, node.Data.Source, inputs, node.Data.Config)
		if err == nil {
			return outputs, nil
		}
	}
	return nil, err
}

// recordNode writes the node's vertex when a lineage store is configured.
// Failures are tolerated the same way the component runner tolerates them:
// the execution proceeds.
func (r *Runner) recordNode(ctx context.Context, exec *Execution, wf *Workflow, node *Node, start time.Time, outputs map[string]any, nodeErr error) {
	if r.store == nil {
		return
	}

	hash := exec.ID + ":" + node.ID
	attrs := map[string]any{
		"Name":          node.Data.Label,
		"ExecutionID":   hash,
		"Hash":          hash,
		"Platform":      "workflow",
		"StartTime":     start.Format(time.RFC3339Nano),
		"ExecutionTime": time.Since(start).Seconds(),
		"Success":       nodeErr == nil,
	}
	if outputs != nil {
		attrs["Outputs"] = outputs
	}
	if nodeErr != nil {
		attrs["Error"] = nodeErr.Error()
	}

	var parents []string
	for _, edge := range wf.inbound(node.ID) {
		parents = append(parents, exec.ID+":"+edge.Source)
	}
	if _, err := r.store.AddComponentExecution(ctx, attrs, parents); err != nil {
		r.publish(exec, wf, node.ID, "", "lineage_loss")
	}
}

func (r *Runner) publish(exec *Execution, wf *Workflow, nodeID string, nodeStatus NodeStatus, msg string) {
	meta := map[string]any{"workflow_id": wf.ID}
	if nodeID != "" {
		meta["node_status"] = string(nodeStatus)
	}
	r.emitter.Emit(emit.Event{
		PipelineID:  exec.ID,
		ExecutionID: exec.ID,
		Component:   nodeID,
		Status:      string(exec.Status()),
		Msg:         msg,
		Meta:        meta,
	})
}

func (r *Runner) finish(exec *Execution, wf *Workflow, status NodeStatus) {
	exec.mu.Lock()
	exec.status = status
	exec.finished = time.Now().UTC()
	exec.mu.Unlock()
	r.publish(exec, wf, "", "", "execution_"+string(status))
}

func (e *Execution) setNode(id string, status NodeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[id] = status
}

func (e *Execution) setOutputs(id string, outputs map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[id] = outputs
}

func (e *Execution) setFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure == nil {
		e.failure = err
	}
}
