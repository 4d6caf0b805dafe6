package orchestration

import (
	"fmt"
	"time"

	"github.com/twingraph/twingraph-go/orchestration/platform"
	"github.com/twingraph/twingraph-go/serialize"
)

// Param is one declared component parameter.
type Param struct {
	Name string

	// Default is applied when the caller omits the parameter. Ignored when
	// Required is set.
	Default any

	// Required parameters with no caller-supplied value fail validation.
	Required bool
}

// ComponentSpec is the static declaration of a user component: built once
// at program start, immutable, consulted by every invocation.
type ComponentSpec struct {
	// Name is the component's human name; it keys the vertex and metrics.
	Name string

	// Params declares the signature. Empty means any inputs pass through
	// unchecked.
	Params []Param

	// Function carries the dispatchable form: a native entry point for the
	// local platform, a source listing for everything else.
	Function platform.FunctionDescriptor

	// Platform is the driver tag. Empty defaults to local.
	Platform string

	// PlatformConfig holds the platform's options (image, namespace,
	// queue, ...). Mandatory keys are validated before dispatch.
	PlatformConfig map[string]any

	// OutputNames projects positional outputs (arrays, tuples) into a
	// named mapping. Ignored when the output is already a mapping.
	OutputNames []string

	// Retry overrides the runner's default policy for this component.
	Retry *RetryPolicy

	// Timeout is the per-attempt ceiling enforced by the driver.
	Timeout time.Duration

	// FilePath and LineNumber locate the declaration for the vertex.
	FilePath   string
	LineNumber int

	// Attributes are user key/values copied onto every vertex.
	Attributes map[string]any
}

// Validate checks the declaration. Called once per invocation, before any
// dispatch.
func (s *ComponentSpec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Msg: "component name is required"}
	}
	tag := s.platformTag()
	if tag == platform.TagLocal {
		if s.Function.Invoke == nil {
			return &ValidationError{Component: s.Name, Msg: "local platform requires a native entry point"}
		}
	} else if s.Function.SourceListing == "" {
		return &ValidationError{Component: s.Name, Msg: fmt.Sprintf("platform %s requires a source listing", tag)}
	}
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return &ValidationError{Component: s.Name, Msg: err.Error()}
		}
	}
	return nil
}

func (s *ComponentSpec) platformTag() string {
	if s.Platform == "" {
		return platform.TagLocal
	}
	return s.Platform
}

// bindInputs applies declared defaults and checks required parameters.
// With no declared Params the arguments pass through as given.
func (s *ComponentSpec) bindInputs(args map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(args))
	for k, v := range args {
		bound[k] = v
	}
	if len(s.Params) == 0 {
		return bound, nil
	}

	declared := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		declared[p.Name] = true
		if _, ok := bound[p.Name]; ok {
			continue
		}
		if p.Required {
			return nil, &ValidationError{Component: s.Name, Msg: fmt.Sprintf("missing required parameter %q", p.Name)}
		}
		bound[p.Name] = p.Default
	}
	for k := range bound {
		if !declared[k] {
			return nil, &ValidationError{Component: s.Name, Msg: fmt.Sprintf("unknown parameter %q", k)}
		}
	}
	return bound, nil
}

// projectOutputs shapes a driver's raw output into the result mapping: a
// mapping is used directly, a record contributes its named fields, a
// sequence zips against OutputNames when the arity matches, and anything
// else is wrapped as {result: value}.
func projectOutputs(raw any, outputNames []string) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if rec, ok := serialize.Decode(v).(serialize.Record); ok {
			return rec.Data
		}
		return v
	case serialize.Record:
		return v.Data
	case []any:
		if len(outputNames) == len(v) && len(v) > 0 {
			out := make(map[string]any, len(v))
			for i, name := range outputNames {
				out[name] = v[i]
			}
			return out
		}
	case serialize.Tuple:
		return projectOutputs([]any(v), outputNames)
	}
	if len(outputNames) == 1 {
		return map[string]any{outputNames[0]: raw}
	}
	return map[string]any{"result": raw}
}
