package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/twingraph/twingraph-go/emit"
	"github.com/twingraph/twingraph-go/graphstore"
)

// echoDriver resolves nodes in-process: the node source names a function in
// the table, applied to the gathered inputs.
type echoDriver struct {
	table map[string]func(inputs map[string]any) (map[string]any, error)
}

func (d *echoDriver) Language() string { return "go-test" }

func (d *echoDriver) Run(ctx context.Context, source string, inputs map[string]any, cfg NodeConfig) (map[string]any, error) {
	fn, ok := d.table[source]
	if !ok {
		return nil, fmt.Errorf("no test function %q", source)
	}
	return fn(inputs)
}

func testNode(id, source string) Node {
	return Node{
		ID:   id,
		Kind: KindComponent,
		Data: NodeData{Label: id, Language: "go-test", Source: source},
	}
}

func TestExecuteDiamondWiring(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"produce": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"value": 10}, nil
		},
		"double": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"doubled": inputs["value"].(int) * 2}, nil
		},
		"triple": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"tripled": inputs["value"].(int) * 3}, nil
		},
		"sum": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"total": inputs["doubled"].(int) + inputs["tripled"].(int)}, nil
		},
	}}

	wf := &Workflow{
		ID:   "wf-diamond",
		Name: "diamond",
		Nodes: []Node{
			testNode("A", "produce"),
			testNode("B", "double"),
			testNode("C", "triple"),
			testNode("D", "sum"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "A", Target: "C"},
			{ID: "e3", Source: "B", Target: "D"},
			{ID: "e4", Source: "C", Target: "D"},
		},
	}

	runner := NewRunner(WithLanguageDriver(driver))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exec.Status() != StatusCompleted {
		t.Errorf("status = %s", exec.Status())
	}
	d := exec.NodeOutputs("D")
	if d["total"] != 50 {
		t.Errorf("D total = %v, want 50", d["total"])
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		if exec.NodeState(id) != StatusCompleted {
			t.Errorf("node %s state = %s", id, exec.NodeState(id))
		}
	}
}

func TestExecutePortMapping(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"emit": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"raw": "payload", "noise": true}, nil
		},
		"consume": func(inputs map[string]any) (map[string]any, error) {
			if _, ok := inputs["noise"]; ok {
				return nil, errors.New("unmapped port leaked through")
			}
			return map[string]any{"got": inputs["data"]}, nil
		},
	}}

	wf := &Workflow{
		ID:   "wf-ports",
		Name: "ports",
		Nodes: []Node{
			testNode("src", "emit"),
			testNode("dst", "consume"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "src", Target: "dst", SourcePort: "raw", TargetPort: "data"},
		},
	}

	runner := NewRunner(WithLanguageDriver(driver))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.NodeOutputs("dst")["got"] != "payload" {
		t.Errorf("dst outputs = %v", exec.NodeOutputs("dst"))
	}
}

func TestExecuteFailureHaltsDescendants(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"ok": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
		"fail": func(inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("node blew up")
		},
	}}

	// A -> B(fails) -> D ; A -> C (sibling keeps running)
	wf := &Workflow{
		ID:   "wf-fail",
		Name: "partial",
		Nodes: []Node{
			testNode("A", "ok"),
			testNode("B", "fail"),
			testNode("C", "ok"),
			testNode("D", "ok"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "A", Target: "C"},
			{ID: "e3", Source: "B", Target: "D"},
		},
	}

	runner := NewRunner(WithLanguageDriver(driver))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err == nil {
		t.Fatal("expected the node failure to surface")
	}

	if exec.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status())
	}
	if exec.NodeState("B") != StatusFailed {
		t.Errorf("B state = %s", exec.NodeState("B"))
	}
	if exec.NodeState("D") != StatusSkipped {
		t.Errorf("D state = %s, want skipped", exec.NodeState("D"))
	}
	if exec.NodeState("C") != StatusCompleted {
		t.Errorf("C state = %s, siblings must keep running", exec.NodeState("C"))
	}
}

func TestExecuteInputAndOutputNodes(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"double": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"doubled": inputs["n"].(int) * 2}, nil
		},
	}}

	wf := &Workflow{
		ID:   "wf-io",
		Name: "io",
		Nodes: []Node{
			{
				ID:   "in",
				Kind: KindInput,
				Data: NodeData{Label: "in", OutputPorts: []Port{
					{ID: "p1", Name: "n", Type: PortNumber, Required: true},
					{ID: "p2", Name: "mode", Type: PortString, Default: "fast"},
				}},
			},
			testNode("calc", "double"),
			{ID: "out", Kind: KindOutput, Data: NodeData{Label: "out"}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "in", Target: "calc", SourcePort: "n", TargetPort: "n"},
			{ID: "e2", Source: "calc", Target: "out"},
		},
	}

	runner := NewRunner(WithLanguageDriver(driver))
	exec, err := runner.Execute(context.Background(), wf, map[string]any{"n": 21})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exec.NodeOutputs("out")["doubled"] != 42 {
		t.Errorf("out = %v", exec.NodeOutputs("out"))
	}
	if exec.NodeOutputs("in")["mode"] != "fast" {
		t.Errorf("input default not applied: %v", exec.NodeOutputs("in"))
	}
}

func TestExecuteMissingRequiredParameter(t *testing.T) {
	wf := &Workflow{
		ID:   "wf-missing",
		Name: "missing",
		Nodes: []Node{
			{
				ID:   "in",
				Kind: KindInput,
				Data: NodeData{Label: "in", OutputPorts: []Port{
					{ID: "p1", Name: "n", Type: PortNumber, Required: true},
				}},
			},
		},
	}

	runner := NewRunner()
	_, err := runner.Execute(context.Background(), wf, nil)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestExecuteRetriesNode(t *testing.T) {
	calls := 0
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"flaky": func(inputs map[string]any) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		},
	}}

	node := testNode("flaky", "flaky")
	node.Data.Config.Retry = 2
	wf := &Workflow{ID: "wf-retry", Name: "retry", Nodes: []Node{node}}

	runner := NewRunner(WithLanguageDriver(driver))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if exec.NodeState("flaky") != StatusCompleted {
		t.Errorf("state = %s", exec.NodeState("flaky"))
	}
}

func TestExecutePublishesStatusEvents(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"ok": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}}
	buffer := emit.NewBufferedEmitter()

	wf := &Workflow{ID: "wf-events", Name: "events", Nodes: []Node{testNode("A", "ok")}}
	runner := NewRunner(WithLanguageDriver(driver), WithEmitter(buffer))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	history := buffer.History(exec.ID)
	wantMsgs := []string{"execution_started", "node_started", "node_completed", "execution_completed"}
	if len(history) != len(wantMsgs) {
		t.Fatalf("events = %d, want %d: %v", len(history), len(wantMsgs), history)
	}
	for i, want := range wantMsgs {
		if history[i].Msg != want {
			t.Errorf("event[%d] = %q, want %q", i, history[i].Msg, want)
		}
	}
}

func TestExecuteRecordsLineage(t *testing.T) {
	driver := &echoDriver{table: map[string]func(map[string]any) (map[string]any, error){
		"ok": func(inputs map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}}
	store := graphstore.NewMemoryStore()

	wf := &Workflow{
		ID:   "wf-lineage",
		Name: "lineage",
		Nodes: []Node{
			testNode("A", "ok"),
			testNode("B", "ok"),
		},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}},
	}

	runner := NewRunner(WithLanguageDriver(driver), WithLineageStore(store))
	exec, err := runner.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stats, _ := store.Statistics(context.Background())
	if stats.Vertices != 2 {
		t.Errorf("vertices = %d, want 2", stats.Vertices)
	}
	edges := store.Edges()
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].From != exec.ID+":A" || edges[0].To != exec.ID+":B" {
		t.Errorf("edge = %v", edges[0])
	}
}
