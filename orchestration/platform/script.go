package platform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Remote drivers deliver components as self-contained scripts: the source
// listing, the inlined encoded inputs, a call expanding the inputs as
// keyword arguments, and the result printed as one JSON line on stdout.

// buildScript renders the script for a descriptor and its encoded inputs.
// Only python listings are supported for remote dispatch; components in
// other languages go through the workflow runner's language drivers.
func buildScript(fn FunctionDescriptor, inputs map[string]any) (string, error) {
	language := fn.Language
	if language == "" {
		language = "python"
	}
	if language != "python" {
		return "", &ExecutionError{
			Platform: "script",
			Msg:      fmt.Sprintf("unsupported script language %q", language),
		}
	}

	payload, err := json.Marshal(map[string]any{"kwargs": inputs})
	if err != nil {
		return "", &ExecutionError{Platform: "script", Msg: "encoding inputs", Cause: err}
	}

	var b strings.Builder
	b.WriteString("import json\n\n")
	b.WriteString(fn.SourceListing)
	b.WriteString("\n\n")
	// The payload goes through base-free JSON in single quotes; escape any
	// embedded quote or backslash so the literal survives.
	b.WriteString(fmt.Sprintf("input_data = json.loads(%s)\n", pythonStringLiteral(string(payload))))
	b.WriteString(fmt.Sprintf("result = %s(**input_data[\"kwargs\"])\n", fn.Name))
	b.WriteString("print(json.dumps(result))\n")
	return b.String(), nil
}

// pythonStringLiteral renders s as a single-quoted python string literal.
func pythonStringLiteral(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	return "'" + escaped + "'"
}

// parseScriptOutput extracts the result from a script's stdout: the last
// non-empty line, parsed as JSON. Drivers only deliver; anything beyond
// extracting the final JSON line is the caller's concern.
func parseScriptOutput(platform, stdout string) (any, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var result any
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return nil, &ExecutionError{
				Platform: platform,
				Msg:      fmt.Sprintf("output is not JSON: %q", truncate(line, 200)),
				Cause:    err,
			}
		}
		return result, nil
	}
	return nil, &ExecutionError{Platform: platform, Msg: "no output produced"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
