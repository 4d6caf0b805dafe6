package orchestration

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// gitAttributes captures the working tree's VCS state for vertex
// properties. Any git failure (no binary, not a repository) degrades to an
// empty map; lineage never depends on version control being present.
func gitAttributes(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	queries := []struct {
		key  string
		args []string
	}{
		{"GitCommit", []string{"rev-parse", "HEAD"}},
		{"GitBranch", []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{"GitAuthor", []string{"log", "-1", "--format=%an <%ae>"}},
		{"GitMessage", []string{"log", "-1", "--format=%s"}},
	}

	attrs := map[string]any{}
	for _, q := range queries {
		out, err := exec.CommandContext(ctx, "git", q.args...).Output()
		if err != nil {
			return map[string]any{}
		}
		attrs[q.key] = strings.TrimSpace(string(out))
	}
	return attrs
}
