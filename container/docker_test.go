package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/davidroman0O/metalflow/errors"
)

type fakeEngine struct {
	created  *container.Config
	host     *container.HostConfig
	exitCode int
	stdout   string
	stderr   string
	startErr error
	removed  []string
}

func (f *fakeEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	f.created = cfg
	f.host = host
	return "c-1", nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error { return f.startErr }

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, error) { return f.exitCode, nil }

func (f *fakeEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestRunCollectsOutput(t *testing.T) {
	engine := &fakeEngine{exitCode: 0, stdout: "Object value modified successfully\n", stderr: "warn\n"}
	r := NewRunnerWithEngine(engine)

	res, err := r.Run(context.Background(), Config{
		Image:       "dell/racadm:latest",
		Command:     []string{"racadm", "-r", "10.0.0.5", "get", "BIOS.BiosBootSettings.BootMode"},
		Env:         map[string]string{"B": "2", "A": "1"},
		Mounts:      map[string]string{"/srv/fw": "/fw"},
		NetworkMode: "host",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "Object value modified successfully\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, []string{"A=1", "B=2"}, engine.created.Env)
	assert.Equal(t, []string{"/srv/fw:/fw:ro"}, engine.host.Binds)
	assert.Equal(t, []string{"c-1"}, engine.removed)
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunnerWithEngine(&fakeEngine{exitCode: 3, stderr: "ERROR: invalid attribute"})
	res, err := r.Run(context.Background(), Config{Image: "img", Command: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "invalid attribute")
}

func TestRunStartFailureRemovesContainer(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("no such image")}
	_, err := NewRunnerWithEngine(engine).Run(context.Background(), Config{Image: "img"})
	require.Error(t, err)
	assert.True(t, merrors.IsAdapter(err))
	assert.Equal(t, []string{"c-1"}, engine.removed)
}

func TestRunRequiresImage(t *testing.T) {
	_, err := NewRunnerWithEngine(&fakeEngine{}).Run(context.Background(), Config{})
	assert.True(t, merrors.IsConfiguration(err))
}
