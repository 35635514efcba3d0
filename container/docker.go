// Package container runs one-shot commands inside throwaway Docker
// containers. The vendor-tool adapter uses it when the vendor CLI is
// shipped as an image rather than installed on the host.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Config describes one container run
type Config struct {
	Image       string
	Command     []string
	Env         map[string]string
	Mounts      map[string]string // host path -> container path
	NetworkMode string
	WorkDir     string
}

// Result is the outcome of a finished container
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Engine is the subset of the Docker API a Runner needs
type Engine interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string) error
}

// Runner executes Configs against an Engine
type Runner struct {
	engine Engine
	closer io.Closer
}

// NewRunner connects to the local Docker daemon using the environment
func NewRunner() (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConnection, "docker client")
	}
	return &Runner{engine: &dockerEngine{client: cli}, closer: cli}, nil
}

// NewRunnerWithEngine wraps an existing engine
func NewRunnerWithEngine(e Engine) *Runner {
	return &Runner{engine: e}
}

// Close releases the daemon connection
func (r *Runner) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Run creates, starts and waits for a container, collects its output and
// removes it. A non-zero exit code is returned in Result, not as an error.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Image == "" {
		return nil, merrors.Configuration("container image is required")
	}

	containerConfig, hostConfig := convertConfig(cfg)
	id, err := r.engine.Create(ctx, containerConfig, hostConfig)
	if err != nil {
		return nil, merrors.Adapter(err, "create container from "+cfg.Image)
	}
	defer func() {
		_ = r.engine.Remove(context.WithoutCancel(ctx), id)
	}()

	if err := r.engine.Start(ctx, id); err != nil {
		return nil, merrors.Adapter(err, "start container "+id)
	}

	code, err := r.engine.Wait(ctx, id)
	if err != nil {
		return nil, merrors.Adapter(err, "wait for container "+id)
	}

	logs, err := r.engine.Logs(ctx, id)
	if err != nil {
		return nil, merrors.Adapter(err, "read logs of container "+id)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, logs); err != nil {
		return nil, merrors.Adapter(err, "demultiplex container logs")
	}

	return &Result{ExitCode: code, Stdout: outBuf.String(), Stderr: errBuf.String()}, nil
}

type dockerEngine struct {
	client *client.Client
}

func (d *dockerEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) Start(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerEngine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *dockerEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
}

func (d *dockerEngine) Remove(ctx context.Context, id string) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

// convertConfig converts our Config to Docker's container.Config
func convertConfig(cfg Config) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        env,
		WorkingDir: cfg.WorkDir,
	}

	binds := make([]string, 0, len(cfg.Mounts))
	for hostPath, containerPath := range cfg.Mounts {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", hostPath, containerPath))
	}
	sort.Strings(binds)

	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
	}
	return containerConfig, hostConfig
}
