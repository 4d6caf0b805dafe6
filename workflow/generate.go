package workflow

import (
	"fmt"
	"strings"
)

// GenerateGoSource renders a workflow as a standalone Go program that
// replays the same composition through the orchestration package: one
// ComponentSpec per component node, invoked in topological order with
// parent hashes wired from the workflow's edges.
//
// The authoring UI calls this to hand users a runnable starting point; the
// generated file is a sketch, not a build artifact, and expects the user to
// fill in platform configuration.
func GenerateGoSource(wf *Workflow) (string, error) {
	if err := wf.Validate(); err != nil {
		return "", err
	}
	order, err := wf.TopologicalOrder()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// Code generated from workflow %q. Edit before use.\n", wf.Name)
	b.WriteString("package main\n\n")
	b.WriteString("import (\n")
	b.WriteString("\t\"context\"\n")
	b.WriteString("\t\"log\"\n\n")
	b.WriteString("\t\"github.com/twingraph/twingraph-go/orchestration\"\n")
	b.WriteString("\t\"github.com/twingraph/twingraph-go/orchestration/platform\"\n")
	b.WriteString(")\n\n")

	b.WriteString("func main() {\n")
	b.WriteString("\tctx := context.Background()\n")
	b.WriteString("\trunner, err := orchestration.NewRunner()\n")
	b.WriteString("\tif err != nil {\n\t\tlog.Fatal(err)\n\t}\n\n")

	for _, nodeID := range order {
		node := wf.node(nodeID)
		if node.Kind != KindComponent {
			continue
		}
		ident := goIdent(node.ID)
		fmt.Fprintf(&b, "\t%sSpec := orchestration.ComponentSpec{\n", ident)
		fmt.Fprintf(&b, "\t\tName: %q,\n", node.Data.Label)
		b.WriteString("\t\tFunction: platform.FunctionDescriptor{\n")
		fmt.Fprintf(&b, "\t\t\tName:          %q,\n", node.Data.Label)
		fmt.Fprintf(&b, "\t\t\tLanguage:      %q,\n", node.Data.Language)
		fmt.Fprintf(&b, "\t\t\tSourceListing: %q,\n", node.Data.Source)
		b.WriteString("\t\t},\n")
		b.WriteString("\t}\n")

		args := "map[string]any{"
		var parents []string
		for _, edge := range wf.inbound(node.ID) {
			source := wf.node(edge.Source)
			if source != nil && source.Kind == KindComponent {
				parents = append(parents, goIdent(edge.Source)+".Hash")
			}
			if edge.SourcePort != "" {
				target := edge.TargetPort
				if target == "" {
					target = edge.SourcePort
				}
				if source != nil && source.Kind == KindComponent {
					args += fmt.Sprintf("%q: %s.Outputs[%q], ", target, goIdent(edge.Source), edge.SourcePort)
				} else {
					args += fmt.Sprintf("%q: nil /* parameter %s */, ", target, edge.SourcePort)
				}
			}
		}
		if len(parents) > 0 {
			args += fmt.Sprintf("orchestration.ParentHashKey: []string{%s}, ", strings.Join(parents, ", "))
		}
		args = strings.TrimSuffix(args, ", ") + "}"

		fmt.Fprintf(&b, "\t%s, err := runner.Run(ctx, %sSpec, %s)\n", ident, ident, args)
		b.WriteString("\tif err != nil {\n\t\tlog.Fatal(err)\n\t}\n")
		fmt.Fprintf(&b, "\t_ = %s\n\n", ident)
	}

	b.WriteString("}\n")
	return b.String(), nil
}

// goIdent turns a node ID into a Go identifier.
func goIdent(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "node"
	}
	return "node_" + out
}
