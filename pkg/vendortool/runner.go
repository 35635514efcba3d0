package vendortool

import (
	"context"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidroman0O/metalflow/container"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

// Runner executes a rendered vendor tool invocation
type Runner interface {
	Run(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, argv []string) (string, error)
	// Remote reports whether the runner executes off the BMC.
	Remote() bool
}

// Uploader can stage a local file where the vendor tool will see it and
// returns the path the tool should use.
type Uploader interface {
	Upload(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, localPath string) (string, error)
}

// SSHRunner runs the tool in the BMC's own shell
type SSHRunner struct {
	Port      int
	Timeout   time.Duration
	RemoteDir string
}

// Remote implements Runner
func (r *SSHRunner) Remote() bool { return false }

// Run implements Runner
func (r *SSHRunner) Run(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, argv []string) (string, error) {
	stdout, stderr, err := bmc.ExecuteCommand(ctx, bmc.NewSSHConfig(ep, creds, r.Port, r.Timeout), shellJoin(argv))
	if err != nil {
		return stdout + stderr, err
	}
	return stdout, nil
}

// Upload implements Uploader using SFTP
func (r *SSHRunner) Upload(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, localPath string) (string, error) {
	dir := r.RemoteDir
	if dir == "" {
		dir = "/tmp"
	}
	remotePath := path.Join(dir, filepath.Base(localPath))
	if _, err := bmc.UploadFile(ctx, bmc.NewSSHConfig(ep, creds, r.Port, r.Timeout), localPath, remotePath); err != nil {
		return "", err
	}
	return remotePath, nil
}

// ContainerRunner is the part of container.Runner used by DockerRunner
type ContainerRunner interface {
	Run(ctx context.Context, cfg container.Config) (*container.Result, error)
}

// DockerRunner runs the tool from a container image on the local host,
// addressing the BMC over the network.
type DockerRunner struct {
	Containers ContainerRunner
	Image      string
	// Network defaults to host so the tool can reach the management network.
	Network string

	mu     sync.Mutex
	mounts map[string]string
}

// Remote implements Runner
func (r *DockerRunner) Remote() bool { return true }

// Run implements Runner. A non-zero exit is an adapter error carrying the
// tool's output.
func (r *DockerRunner) Run(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, argv []string) (string, error) {
	network := r.Network
	if network == "" {
		network = "host"
	}
	r.mu.Lock()
	mounts := make(map[string]string, len(r.mounts))
	for k, v := range r.mounts {
		mounts[k] = v
	}
	r.mu.Unlock()

	res, err := r.Containers.Run(ctx, container.Config{
		Image:       r.Image,
		Command:     argv,
		NetworkMode: network,
		Mounts:      mounts,
	})
	if err != nil {
		return "", err
	}
	out := res.Stdout + res.Stderr
	if res.ExitCode != 0 {
		return out, merrors.WithContext(
			merrors.Adapter(nil, argv[0]+" exited with status "+strconv.Itoa(res.ExitCode)),
			map[string]interface{}{"exit_status": res.ExitCode, "output": strings.TrimSpace(out)},
		)
	}
	return res.Stdout, nil
}

// Upload implements Uploader by bind-mounting the file's directory
func (r *DockerRunner) Upload(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", merrors.Wrap(err, merrors.ErrInvalidInput, "resolve image path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mounts == nil {
		r.mounts = make(map[string]string)
	}
	r.mounts[filepath.Dir(abs)] = "/firmware"
	return path.Join("/firmware", filepath.Base(abs)), nil
}

// shellJoin quotes argv for a POSIX-like BMC shell
func shellJoin(argv []string) string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`;&|<>*?()[]{}!#~") {
			out[i] = a
			continue
		}
		out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(out, " ")
}
