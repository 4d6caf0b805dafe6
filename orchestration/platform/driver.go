// Package platform dispatches component executions to compute backends.
//
// Seven built-in drivers share one contract: local (in-process), docker,
// kubernetes, lambda, batch, slurm and ssh. External drivers register under
// their own tag through Register. A driver delivers a function plus encoded
// inputs to its backend and returns the raw output; interpreting the output
// is the caller's job.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Built-in driver tags.
const (
	TagLocal      = "local"
	TagDocker     = "docker"
	TagKubernetes = "kubernetes"
	TagLambda     = "lambda"
	TagBatch      = "batch"
	TagSlurm      = "slurm"
	TagSSH        = "ssh"
)

// FunctionDescriptor carries everything a driver needs to run a component.
//
// Remote drivers materialize SourceListing into a script; the local driver
// calls Invoke directly and ignores the listing.
type FunctionDescriptor struct {
	// Name is the function's name as it appears in the source listing.
	Name string

	// SourceListing is the complete source of the function, self-contained
	// up to its language's standard library.
	SourceListing string

	// ParameterOrder lists parameter names in declaration order.
	ParameterOrder []string

	// Language of the source listing. Defaults to "python".
	Language string

	// Invoke is the in-process entry point, set for components declared as
	// native functions. Only the local driver uses it.
	Invoke func(ctx context.Context, inputs map[string]any) (any, error)
}

// Context carries per-invocation metadata into a driver.
type Context struct {
	ExecutionID   string
	ComponentName string
	StartTime     time.Time

	// Timeout is the per-attempt ceiling. Zero means no limit beyond the
	// passed context.
	Timeout time.Duration
}

// Driver executes component functions on one backend.
type Driver interface {
	// Tag returns the driver's registry tag.
	Tag() string

	// Execute runs the function with the encoded inputs and returns the
	// raw output. The caller decodes.
	Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error)

	// SupportedLanguages lists the source languages the driver can run.
	SupportedLanguages() []string

	// Validate checks the platform configuration before any dispatch.
	// Missing mandatory keys fail with a ConfigurationError.
	Validate(config map[string]any) error
}

// ExecutionError is a driver-side infrastructure failure: container exit
// code, job failure, shell error. Transient failures are retryable.
type ExecutionError struct {
	Platform  string
	Msg       string
	Transient bool
	Cause     error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("platform %s: %s: %v", e.Platform, e.Msg, e.Cause)
	}
	return fmt.Sprintf("platform %s: %s", e.Platform, e.Msg)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// ConfigurationError reports missing or invalid platform configuration.
// Raised before any dispatch; never retryable.
type ConfigurationError struct {
	Platform string
	Missing  []string
	Msg      string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("platform %s: missing required config keys %v", e.Platform, e.Missing)
	}
	return fmt.Sprintf("platform %s: %s", e.Platform, e.Msg)
}

// requireKeys returns a ConfigurationError naming every mandatory key
// absent from config.
func requireKeys(platform string, config map[string]any, keys ...string) error {
	var missing []string
	for _, key := range keys {
		if v, ok := config[key]; !ok || v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ConfigurationError{Platform: platform, Missing: missing}
	}
	return nil
}

// Factory builds a driver from its platform configuration.
type Factory func(config map[string]any) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a driver factory under a tag. Built-in tags are registered
// at init; external drivers may claim new tags or override built-ins.
func Register(tag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = factory
}

// ForTag builds and validates the driver registered under tag.
func ForTag(tag string, config map[string]any) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[tag]
	registryMu.RUnlock()

	if !ok {
		return nil, &ConfigurationError{Platform: tag, Msg: "unknown platform tag"}
	}
	driver, err := factory(config)
	if err != nil {
		return nil, err
	}
	if err := driver.Validate(config); err != nil {
		return nil, err
	}
	return driver, nil
}

// Tags returns all registered tags, sorted.
func Tags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func init() {
	Register(TagLocal, func(config map[string]any) (Driver, error) {
		return NewLocalDriver(), nil
	})
	Register(TagDocker, func(config map[string]any) (Driver, error) {
		return NewDockerDriver(config)
	})
	Register(TagKubernetes, func(config map[string]any) (Driver, error) {
		return NewKubernetesDriver(config)
	})
	Register(TagLambda, func(config map[string]any) (Driver, error) {
		return NewLambdaDriver(config)
	})
	Register(TagBatch, func(config map[string]any) (Driver, error) {
		return NewBatchDriver(config)
	})
	Register(TagSlurm, func(config map[string]any) (Driver, error) {
		return NewSlurmDriver(config)
	})
	Register(TagSSH, func(config map[string]any) (Driver, error) {
		return NewSSHDriver(config)
	})
}

// Config value helpers. Platform configs arrive as loosely typed maps from
// decorator options or parsed documents.

func configString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func configBool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

func configDuration(config map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := config[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func configStringMap(config map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := config[key].(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
