// Package workflow executes externally-authored DAG workflows: node/edge
// documents produced by an authoring UI, validated, topologically ordered,
// and dispatched per node to a language runtime.
package workflow

import (
	"fmt"
	"time"
)

// NodeKind discriminates workflow nodes.
type NodeKind string

const (
	KindComponent NodeKind = "component"
	KindInput     NodeKind = "input"
	KindOutput    NodeKind = "output"
)

// PortType is the declared type of a port value.
type PortType string

const (
	PortString  PortType = "string"
	PortNumber  PortType = "number"
	PortBoolean PortType = "boolean"
	PortObject  PortType = "object"
	PortArray   PortType = "array"
	PortAny     PortType = "any"
)

// Port is a named input or output of a node.
type Port struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        PortType `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Position is the node's canvas placement. The engine carries it through
// untouched for the authoring UI.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeConfig holds per-node execution settings.
type NodeConfig struct {
	// Timeout in seconds; zero means unlimited.
	Timeout int `json:"timeout,omitempty"`

	// Environment variables for the node's subprocess.
	Environment map[string]string `json:"environment,omitempty"`

	// Retry is the number of re-attempts after a failure.
	Retry int `json:"retry,omitempty"`
}

// NodeData is the payload of a node.
type NodeData struct {
	Label       string     `json:"label"`
	Language    string     `json:"language,omitempty"`
	Source      string     `json:"source,omitempty"`
	InputPorts  []Port     `json:"input_ports,omitempty"`
	OutputPorts []Port     `json:"output_ports,omitempty"`
	Config      NodeConfig `json:"config,omitempty"`
}

// Node is one workflow vertex.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Edge connects a source node (port) to a target node (port). When both
// ports are empty the edge carries the source's entire output mapping.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"source_port,omitempty"`
	TargetPort string `json:"target_port,omitempty"`
}

// Metadata describes the workflow document.
type Metadata struct {
	Created  time.Time `json:"created,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
	Author   string    `json:"author,omitempty"`
	Version  string    `json:"version,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
}

// Workflow is the external DAG representation consumed by the Runner.
type Workflow struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Nodes       []Node   `json:"nodes"`
	Edges       []Edge   `json:"edges"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// ValidationError reports a structural defect in a workflow document.
type ValidationError struct {
	Workflow string
	Msg      string
}

func (e *ValidationError) Error() string {
	if e.Workflow != "" {
		return fmt.Sprintf("workflow %s: %s", e.Workflow, e.Msg)
	}
	return e.Msg
}

// Validate checks structural integrity: unique node IDs, edges referencing
// existing nodes, and acyclicity.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return &ValidationError{Workflow: w.Name, Msg: "workflow has no nodes"}
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, node := range w.Nodes {
		if node.ID == "" {
			return &ValidationError{Workflow: w.Name, Msg: "node with empty id"}
		}
		if seen[node.ID] {
			return &ValidationError{Workflow: w.Name, Msg: fmt.Sprintf("duplicate node id %q", node.ID)}
		}
		seen[node.ID] = true
	}

	for _, edge := range w.Edges {
		if !seen[edge.Source] {
			return &ValidationError{Workflow: w.Name, Msg: fmt.Sprintf("edge %s references unknown source %q", edge.ID, edge.Source)}
		}
		if !seen[edge.Target] {
			return &ValidationError{Workflow: w.Name, Msg: fmt.Sprintf("edge %s references unknown target %q", edge.ID, edge.Target)}
		}
	}

	if _, err := w.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// dfs colouring states.
const (
	white = iota // unvisited
	grey         // on the current path
	black        // finished
)

// TopologicalOrder returns the node IDs in dependency order. A back-edge
// (cycle) fails with a ValidationError naming the node where it closes.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	adjacency := make(map[string][]string, len(w.Nodes))
	for _, node := range w.Nodes {
		adjacency[node.ID] = nil
	}
	for _, edge := range w.Edges {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	colour := make(map[string]int, len(w.Nodes))
	order := make([]string, 0, len(w.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch colour[id] {
		case grey:
			return &ValidationError{Workflow: w.Name, Msg: fmt.Sprintf("cycle detected through node %q", id)}
		case black:
			return nil
		}
		colour[id] = grey
		for _, next := range adjacency[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		colour[id] = black
		order = append(order, id)
		return nil
	}

	// Iterate declaration order for a stable result.
	for _, node := range w.Nodes {
		if err := visit(node.ID); err != nil {
			return nil, err
		}
	}

	// visit appends post-order; reverse for topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// node returns the node with the given ID.
func (w *Workflow) node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// inbound returns the edges targeting the given node.
func (w *Workflow) inbound(id string) []Edge {
	var edges []Edge
	for _, edge := range w.Edges {
		if edge.Target == id {
			edges = append(edges, edge)
		}
	}
	return edges
}

// descendants returns every node reachable from start, excluding start.
func (w *Workflow) descendants(start string) map[string]bool {
	adjacency := make(map[string][]string)
	for _, edge := range w.Edges {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	reached := map[string]bool{}
	frontier := []string{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range adjacency[id] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return reached
}
