package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerDriver runs components in a container.
//
// The script is materialized into a temporary directory mounted read-only
// at /scripts, the image is pulled when absent, and the container is always
// removed afterwards. The result is the last JSON line of stdout.
//
// Mandatory config: image. Recognized: environment, timeout, memory (MiB),
// cpu (cores), gpu.
type DockerDriver struct {
	image   string
	env     map[string]string
	timeout int // seconds, 0 = unlimited
	memory  int // MiB
	cpu     float64

	cli *client.Client
}

// NewDockerDriver creates a driver talking to the local Docker daemon via
// the standard environment (DOCKER_HOST etc.).
func NewDockerDriver(config map[string]any) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &ExecutionError{Platform: TagDocker, Msg: "creating docker client", Cause: err}
	}

	cpu := 0.0
	switch v := config["cpu"].(type) {
	case float64:
		cpu = v
	case int:
		cpu = float64(v)
	}

	return &DockerDriver{
		image:   configString(config, "image", ""),
		env:     configStringMap(config, "environment"),
		timeout: configInt(config, "timeout", 0),
		memory:  configInt(config, "memory", 0),
		cpu:     cpu,
		cli:     cli,
	}, nil
}

// Tag returns "docker".
func (d *DockerDriver) Tag() string { return TagDocker }

// SupportedLanguages returns the script languages runnable in a container.
func (d *DockerDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires an image.
func (d *DockerDriver) Validate(config map[string]any) error {
	return requireKeys(TagDocker, config, "image")
}

// Execute materializes the script, runs the container to completion, and
// returns the parsed stdout result.
func (d *DockerDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	script, err := buildScript(fn, inputs)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "twingraph-docker-")
	if err != nil {
		return nil, &ExecutionError{Platform: TagDocker, Msg: "creating script dir", Cause: err}
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, &ExecutionError{Platform: TagDocker, Msg: "writing script", Cause: err}
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	if err := d.ensureImage(ctx); err != nil {
		return nil, err
	}

	env := []string{
		"EXECUTION_ID=" + execCtx.ExecutionID,
		"COMPONENT_NAME=" + execCtx.ComponentName,
	}
	for k, v := range d.env {
		env = append(env, k+"="+v)
	}

	resources := container.Resources{}
	if d.memory > 0 {
		resources.Memory = int64(d.memory) * 1024 * 1024
	}
	if d.cpu > 0 {
		resources.NanoCPUs = int64(d.cpu * 1e9)
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: d.image,
			Cmd:   []string{"python", "/scripts/script.py"},
			Env:   env,
		},
		&container.HostConfig{
			Binds:     []string{dir + ":/scripts:ro"},
			Resources: resources,
		},
		nil, nil, "")
	if err != nil {
		return nil, &ExecutionError{Platform: TagDocker, Msg: "creating container", Cause: err, Transient: true}
	}
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &ExecutionError{Platform: TagDocker, Msg: "starting container", Cause: err, Transient: true}
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return nil, &ExecutionError{Platform: TagDocker, Msg: "waiting for container", Cause: err, Transient: true}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stdout, stderr, err := d.containerLogs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		return nil, &ExecutionError{
			Platform: TagDocker,
			Msg:      fmt.Sprintf("container exited with code %d: %s", exitCode, truncate(stderr, 500)),
		}
	}
	return parseScriptOutput(TagDocker, stdout)
}

func (d *DockerDriver) ensureImage(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.image); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return &ExecutionError{Platform: TagDocker, Msg: "pulling image " + d.image, Cause: err, Transient: true}
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerDriver) containerLogs(ctx context.Context, id string) (string, string, error) {
	out, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", &ExecutionError{Platform: TagDocker, Msg: "reading container logs", Cause: err}
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		return "", "", &ExecutionError{Platform: TagDocker, Msg: "demultiplexing container logs", Cause: err}
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}
