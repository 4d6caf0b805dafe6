package platform

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTagsIncludeBuiltins(t *testing.T) {
	want := []string{TagBatch, TagDocker, TagKubernetes, TagLambda, TagLocal, TagSlurm, TagSSH}
	got := Tags()

	for _, tag := range want {
		found := false
		for _, g := range got {
			if g == tag {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Tags() missing %q, got %v", tag, got)
		}
	}
}

func TestForTagUnknown(t *testing.T) {
	_, err := ForTag("mainframe", nil)
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestForTagLocal(t *testing.T) {
	driver, err := ForTag(TagLocal, map[string]any{})
	if err != nil {
		t.Fatalf("ForTag(local): %v", err)
	}
	if driver.Tag() != TagLocal {
		t.Errorf("Tag() = %q, want %q", driver.Tag(), TagLocal)
	}
}

func TestRegisterCustomDriver(t *testing.T) {
	Register("test-custom", func(config map[string]any) (Driver, error) {
		return NewLocalDriver(), nil
	})

	driver, err := ForTag("test-custom", nil)
	if err != nil {
		t.Fatalf("ForTag(test-custom): %v", err)
	}
	if driver == nil {
		t.Fatal("expected driver")
	}
}

func TestRequireKeys(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		keys    []string
		missing []string
	}{
		{
			name:   "all present",
			config: map[string]any{"image": "python:3.11", "namespace": "default"},
			keys:   []string{"image", "namespace"},
		},
		{
			name:    "one missing",
			config:  map[string]any{"image": "python:3.11"},
			keys:    []string{"image", "namespace"},
			missing: []string{"namespace"},
		},
		{
			name:    "empty string counts as missing",
			config:  map[string]any{"image": ""},
			keys:    []string{"image"},
			missing: []string{"image"},
		},
		{
			name:    "nil config",
			config:  nil,
			keys:    []string{"image", "namespace"},
			missing: []string{"image", "namespace"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := requireKeys("test", tt.config, tt.keys...)
			if len(tt.missing) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
			}
			if len(cfgErr.Missing) != len(tt.missing) {
				t.Fatalf("Missing = %v, want %v", cfgErr.Missing, tt.missing)
			}
			for i, key := range tt.missing {
				if cfgErr.Missing[i] != key {
					t.Errorf("Missing[%d] = %q, want %q", i, cfgErr.Missing[i], key)
				}
			}
		})
	}
}

func TestDriverValidation(t *testing.T) {
	tests := []struct {
		name    string
		driver  Driver
		config  map[string]any
		wantErr bool
	}{
		{"local accepts empty", &LocalDriver{}, nil, false},
		{"docker needs image", &DockerDriver{}, map[string]any{}, true},
		{"docker with image", &DockerDriver{}, map[string]any{"image": "python:3.11"}, false},
		{"kubernetes needs namespace and image", &KubernetesDriver{}, map[string]any{"image": "python:3.11"}, true},
		{"kubernetes complete", &KubernetesDriver{}, map[string]any{"namespace": "default", "image": "python:3.11"}, false},
		{"lambda needs function and region", &LambdaDriver{}, map[string]any{"function_name": "f"}, true},
		{"lambda complete", &LambdaDriver{}, map[string]any{"function_name": "f", "region": "us-east-1"}, false},
		{"batch needs queue definition region", &BatchDriver{}, map[string]any{"job_queue": "q"}, true},
		{"batch complete", &BatchDriver{}, map[string]any{"job_queue": "q", "job_definition": "d", "region": "us-east-1"}, false},
		{"slurm needs partition and output", &SlurmDriver{}, map[string]any{"partition": "gpu"}, true},
		{"slurm complete", &SlurmDriver{}, map[string]any{"partition": "gpu", "output_file": "/tmp/out.log"}, false},
		{"ssh needs hostname and username", &SSHDriver{}, map[string]any{"hostname": "h"}, true},
		{"ssh complete", &SSHDriver{}, map[string]any{"hostname": "h", "username": "u"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.driver.Validate(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ExecutionError{Platform: TagDocker, Msg: "starting container", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if err.Error() == "" {
		t.Error("expected non-empty message")
	}
}

func TestConfigHelpers(t *testing.T) {
	config := map[string]any{
		"name":     "worker",
		"count":    float64(3),
		"enabled":  true,
		"timeout":  "90s",
		"interval": 30,
		"env":      map[string]any{"MODE": "fast", "LEVEL": 2},
	}

	if got := configString(config, "name", "x"); got != "worker" {
		t.Errorf("configString = %q", got)
	}
	if got := configString(config, "absent", "x"); got != "x" {
		t.Errorf("configString fallback = %q", got)
	}
	if got := configInt(config, "count", 0); got != 3 {
		t.Errorf("configInt = %d", got)
	}
	if got := configBool(config, "enabled", false); !got {
		t.Error("configBool = false")
	}
	if got := configDuration(config, "timeout", 0); got != 90*time.Second {
		t.Errorf("configDuration string = %v", got)
	}
	if got := configDuration(config, "interval", 0); got != 30*time.Second {
		t.Errorf("configDuration int = %v", got)
	}

	env := configStringMap(config, "env")
	if env["MODE"] != "fast" || env["LEVEL"] != "2" {
		t.Errorf("configStringMap = %v", env)
	}
}

func TestLocalDriverExecute(t *testing.T) {
	driver := NewLocalDriver()

	fn := FunctionDescriptor{
		Name: "add",
		Invoke: func(ctx context.Context, inputs map[string]any) (any, error) {
			a := inputs["a"].(int)
			b := inputs["b"].(int)
			return map[string]any{"sum": a + b}, nil
		},
	}

	out, err := driver.Execute(context.Background(), fn, map[string]any{"a": 2, "b": 3}, Context{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := out.(map[string]any)
	if result["sum"] != 5 {
		t.Errorf("sum = %v, want 5", result["sum"])
	}
}

func TestLocalDriverNoEntryPoint(t *testing.T) {
	driver := NewLocalDriver()

	_, err := driver.Execute(context.Background(), FunctionDescriptor{Name: "ghost"}, nil, Context{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T: %v", err, err)
	}
}

func TestLocalDriverTimeout(t *testing.T) {
	driver := NewLocalDriver()

	fn := FunctionDescriptor{
		Name: "sleep",
		Invoke: func(ctx context.Context, inputs map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	start := time.Now()
	_, err := driver.Execute(context.Background(), fn, nil, Context{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, expected prompt cancellation", elapsed)
	}
}
