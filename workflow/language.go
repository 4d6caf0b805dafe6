package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/twingraph/twingraph-go/orchestration/platform"
)

// LanguageDriver runs one node's inline source in its runtime. Drivers
// materialize a temporary source file with a prelude binding the encoded
// inputs, run the interpreter as a subprocess, and parse the last JSON line
// of stdout.
type LanguageDriver interface {
	// Language is the registry key matched against node.Data.Language.
	Language() string

	// Run executes the source with the inputs bound and returns the
	// node's output mapping.
	Run(ctx context.Context, source string, inputs map[string]any, cfg NodeConfig) (map[string]any, error)
}

// subprocessDriver is the shared shape of the three built-in drivers.
type subprocessDriver struct {
	language   string
	extension  string
	command    []string // interpreter argv prefix; the file path is appended
	prelude    func(payload string) string
	strictJSON bool // non-JSON output is an error instead of {"output": raw}
}

// NewPythonDriver runs nodes with the python3 interpreter. Inputs are bound
// to a decoded "inputs" dict; the source must print its result as JSON.
func NewPythonDriver() LanguageDriver {
	return &subprocessDriver{
		language:   "python",
		extension:  ".py",
		command:    []string{"python3"},
		strictJSON: true,
		prelude: func(payload string) string {
			return fmt.Sprintf("import json\ninputs = json.loads(%s)\n\n", pyLiteral(payload))
		},
	}
}

// NewBashDriver runs nodes with bash. Inputs arrive as the INPUTS
// environment variable holding JSON. Non-JSON output is returned as
// {"output": raw} since shell scripts rarely speak JSON.
func NewBashDriver() LanguageDriver {
	return &subprocessDriver{
		language:  "bash",
		extension: ".sh",
		command:   []string{"bash"},
		prelude: func(payload string) string {
			return ""
		},
	}
}

// NewNodeDriver runs nodes with the node runtime. Inputs are bound to a
// decoded "inputs" constant; the source must print its result as JSON.
func NewNodeDriver() LanguageDriver {
	return &subprocessDriver{
		language:   "node",
		extension:  ".js",
		command:    []string{"node"},
		strictJSON: true,
		prelude: func(payload string) string {
			return fmt.Sprintf("const inputs = JSON.parse(%s);\n\n", jsLiteral(payload))
		},
	}
}

func (d *subprocessDriver) Language() string { return d.language }

func (d *subprocessDriver) Run(ctx context.Context, source string, inputs map[string]any, cfg NodeConfig) (map[string]any, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, &platform.ExecutionError{Platform: d.language, Msg: "encoding inputs", Cause: err}
	}

	file, err := os.CreateTemp("", "twingraph-node-*"+d.extension)
	if err != nil {
		return nil, &platform.ExecutionError{Platform: d.language, Msg: "creating source file", Cause: err}
	}
	defer os.Remove(file.Name())

	script := d.prelude(string(payload)) + source + "\n"
	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return nil, &platform.ExecutionError{Platform: d.language, Msg: "writing source file", Cause: err}
	}
	file.Close()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}

	argv := append(append([]string{}, d.command...), file.Name())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "INPUTS="+string(payload))
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &platform.ExecutionError{
			Platform: d.language,
			Msg:      "subprocess failed: " + firstLine(stderr.String()),
			Cause:    err,
		}
	}

	return d.parseOutput(stdout.String())
}

// parseOutput extracts the last non-empty stdout line. Strict drivers
// require JSON; informal ones fall back to {"output": raw}.
func (d *subprocessDriver) parseOutput(stdout string) (map[string]any, error) {
	trimmed := strings.TrimSpace(stdout)
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var result any
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			if d.strictJSON {
				return nil, &platform.ExecutionError{
					Platform: d.language,
					Msg:      fmt.Sprintf("output is not JSON: %q", firstLine(line)),
					Cause:    err,
				}
			}
			return map[string]any{"output": trimmed}, nil
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": result}, nil
	}
	if d.strictJSON {
		return nil, &platform.ExecutionError{Platform: d.language, Msg: "no output produced"}
	}
	return map[string]any{"output": ""}, nil
}

func pyLiteral(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	return "'" + escaped + "'"
}

func jsLiteral(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "`", "\\`")
	escaped = strings.ReplaceAll(escaped, "$", `\$`)
	return "`" + escaped + "`"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
