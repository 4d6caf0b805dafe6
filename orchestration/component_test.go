package orchestration

import (
	"errors"
	"testing"

	"github.com/twingraph/twingraph-go/serialize"
)

func TestBindInputs(t *testing.T) {
	spec := ComponentSpec{
		Name: "train",
		Params: []Param{
			{Name: "dataset", Required: true},
			{Name: "epochs", Default: 10},
			{Name: "rate", Default: 0.001},
		},
	}

	t.Run("defaults applied", func(t *testing.T) {
		bound, err := spec.bindInputs(map[string]any{"dataset": "mnist"})
		if err != nil {
			t.Fatalf("bindInputs: %v", err)
		}
		if bound["dataset"] != "mnist" || bound["epochs"] != 10 || bound["rate"] != 0.001 {
			t.Errorf("bound = %v", bound)
		}
	})

	t.Run("explicit beats default", func(t *testing.T) {
		bound, err := spec.bindInputs(map[string]any{"dataset": "mnist", "epochs": 50})
		if err != nil {
			t.Fatalf("bindInputs: %v", err)
		}
		if bound["epochs"] != 50 {
			t.Errorf("epochs = %v", bound["epochs"])
		}
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := spec.bindInputs(map[string]any{"epochs": 5})
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unknown parameter", func(t *testing.T) {
		_, err := spec.bindInputs(map[string]any{"dataset": "mnist", "optimizer": "adam"})
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("no declared params passes through", func(t *testing.T) {
		open := ComponentSpec{Name: "open"}
		bound, err := open.bindInputs(map[string]any{"anything": 1})
		if err != nil {
			t.Fatalf("bindInputs: %v", err)
		}
		if bound["anything"] != 1 {
			t.Errorf("bound = %v", bound)
		}
	})
}

func TestProjectOutputs(t *testing.T) {
	tests := []struct {
		name  string
		raw   any
		names []string
		want  map[string]any
	}{
		{
			name: "mapping used directly",
			raw:  map[string]any{"sum": 5},
			want: map[string]any{"sum": 5},
		},
		{
			name:  "sequence zipped against names",
			raw:   []any{1, 2},
			names: []string{"low", "high"},
			want:  map[string]any{"low": 1, "high": 2},
		},
		{
			name:  "single name wraps scalar",
			raw:   42,
			names: []string{"answer"},
			want:  map[string]any{"answer": 42},
		},
		{
			name: "scalar wrapped as result",
			raw:  "done",
			want: map[string]any{"result": "done"},
		},
		{
			name: "record contributes fields",
			raw:  serialize.Record{Class: "pkg.Point", Data: map[string]any{"x": 1, "y": 2}},
			want: map[string]any{"x": 1, "y": 2},
		},
		{
			name: "arity mismatch wraps",
			raw:  []any{1, 2, 3},
			names: []string{
				"only",
			},
			want: map[string]any{"result": []any{1, 2, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := projectOutputs(tt.raw, tt.names)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("missing key %q in %v", k, got)
				}
			}
		})
	}
}

func TestComponentSpecValidate(t *testing.T) {
	valid := ComponentSpec{
		Name:     "fetch",
		Platform: "docker",
		Function: platformFunction("fetch", "def fetch():\n    return 1"),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	tests := []struct {
		name string
		spec ComponentSpec
	}{
		{"missing name", ComponentSpec{}},
		{"local without entry point", ComponentSpec{Name: "x"}},
		{"remote without listing", ComponentSpec{Name: "x", Platform: "docker"}},
		{"bad retry", ComponentSpec{
			Name:     "x",
			Platform: "docker",
			Function: platformFunction("x", "def x():\n    pass"),
			Retry:    &RetryPolicy{MaxAttempts: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
