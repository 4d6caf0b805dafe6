package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SlurmDriver runs components through a Slurm scheduler on the current host.
//
// The python script and an sbatch wrapper are written to a temp directory,
// submitted with sbatch, and polled with squeue until the job leaves the
// queue. Stdout is redirected to the configured output file, which is read
// back for the result.
//
// Mandatory config: partition, output_file. Recognized: account, qos,
// nodes, ntasks, cpus_per_task, memory (e.g. "4G"), time_limit
// (e.g. "01:00:00"), python_path.
type SlurmDriver struct {
	partition   string
	outputFile  string
	account     string
	qos         string
	nodes       int
	ntasks      int
	cpusPerTask int
	memory      string
	timeLimit   string
	pythonPath  string
}

var sbatchJobID = regexp.MustCompile(`Submitted batch job (\d+)`)

// NewSlurmDriver creates a driver shelling out to the local sbatch/squeue
// binaries.
func NewSlurmDriver(config map[string]any) (*SlurmDriver, error) {
	return &SlurmDriver{
		partition:   configString(config, "partition", ""),
		outputFile:  configString(config, "output_file", ""),
		account:     configString(config, "account", ""),
		qos:         configString(config, "qos", ""),
		nodes:       configInt(config, "nodes", 1),
		ntasks:      configInt(config, "ntasks", 1),
		cpusPerTask: configInt(config, "cpus_per_task", 0),
		memory:      configString(config, "memory", ""),
		timeLimit:   configString(config, "time_limit", ""),
		pythonPath:  configString(config, "python_path", "python3"),
	}, nil
}

// Tag returns "slurm".
func (d *SlurmDriver) Tag() string { return TagSlurm }

// SupportedLanguages returns the script languages runnable under sbatch.
func (d *SlurmDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires a partition and an output file.
func (d *SlurmDriver) Validate(config map[string]any) error {
	return requireKeys(TagSlurm, config, "partition", "output_file")
}

// Execute submits the job, waits for it to drain from the queue, and parses
// the output file.
func (d *SlurmDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	script, err := buildScript(fn, inputs)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "twingraph-slurm-")
	if err != nil {
		return nil, &ExecutionError{Platform: TagSlurm, Msg: "creating script dir", Cause: err}
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, &ExecutionError{Platform: TagSlurm, Msg: "writing script", Cause: err}
	}

	batchPath := filepath.Join(dir, "job.sbatch")
	if err := os.WriteFile(batchPath, []byte(d.batchScript(scriptPath, execCtx)), 0o755); err != nil {
		return nil, &ExecutionError{Platform: TagSlurm, Msg: "writing sbatch script", Cause: err}
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, "sbatch", batchPath).CombinedOutput()
	if err != nil {
		return nil, &ExecutionError{
			Platform:  TagSlurm,
			Msg:       "sbatch failed: " + truncate(strings.TrimSpace(string(out)), 500),
			Cause:     err,
			Transient: true,
		}
	}

	match := sbatchJobID.FindStringSubmatch(string(out))
	if match == nil {
		return nil, &ExecutionError{
			Platform: TagSlurm,
			Msg:      "could not parse sbatch output: " + truncate(strings.TrimSpace(string(out)), 200),
		}
	}
	jobID := match[1]

	if err := d.waitForJob(ctx, jobID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.outputFile)
	if err != nil {
		return nil, &ExecutionError{Platform: TagSlurm, Msg: "reading output file " + d.outputFile, Cause: err}
	}
	return parseScriptOutput(TagSlurm, string(data))
}

// batchScript renders the sbatch wrapper with the #SBATCH preamble.
func (d *SlurmDriver) batchScript(scriptPath string, execCtx Context) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", execCtx.ComponentName)
	fmt.Fprintf(&b, "#SBATCH --partition=%s\n", d.partition)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", d.outputFile)
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", d.nodes)
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", d.ntasks)
	if d.cpusPerTask > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", d.cpusPerTask)
	}
	if d.memory != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", d.memory)
	}
	if d.timeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", d.timeLimit)
	}
	if d.account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", d.account)
	}
	if d.qos != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", d.qos)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "export EXECUTION_ID=%s\n", execCtx.ExecutionID)
	fmt.Fprintf(&b, "export COMPONENT_NAME=%s\n", execCtx.ComponentName)
	fmt.Fprintf(&b, "%s %s\n", d.pythonPath, scriptPath)
	return b.String()
}

// waitForJob polls squeue until the job id no longer appears.
func (d *SlurmDriver) waitForJob(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		out, err := exec.CommandContext(ctx, "squeue", "-h", "-j", jobID).CombinedOutput()
		// squeue errors once the job has aged out of the queue entirely;
		// treat that the same as an empty listing.
		if err != nil || strings.TrimSpace(string(out)) == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
