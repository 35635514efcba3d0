package bmc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// SSHConfig holds parameters for connecting to the BMC shell
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// NewSSHConfig builds an SSHConfig from an endpoint and credentials
func NewSSHConfig(ep Endpoint, creds Credentials, port int, timeout time.Duration) SSHConfig {
	return SSHConfig{
		Host:     ep.Host(),
		Port:     port,
		User:     creds.Username,
		Password: creds.Password,
		Timeout:  timeout,
	}
}

func (cfg SSHConfig) addr() string {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", cfg.Host, port)
}

func getSSHClientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, merrors.Prerequisite("SSH user cannot be empty")
	}
	if cfg.Password == "" {
		return nil, merrors.Prerequisite("SSH password is required (key auth not implemented)")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: accept a known_hosts file from config
		Timeout:         timeout,
	}, nil
}

// Dial opens an SSH client connection honouring ctx during the TCP dial
func Dial(ctx context.Context, cfg SSHConfig) (*ssh.Client, error) {
	sshConfig, err := getSSHClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.addr()
	log.Debug().Str("addr", addr).Msg("bmc ssh connecting")

	d := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConnection, "ssh dial to "+addr+" failed")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, merrors.Wrap(err, merrors.ErrConnection, "ssh handshake with "+addr+" failed")
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// ExecuteCommand runs one command on the BMC. A context cancelled while the
// command runs closes the session.
func ExecuteCommand(ctx context.Context, cfg SSHConfig, command string) (stdout string, stderr string, err error) {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return "", "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", merrors.Wrap(err, merrors.ErrConnection, "ssh session creation failed")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().Str("host", cfg.Host).Str("command", command).Msg("bmc ssh exec")

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return stdoutBuf.String(), stderrBuf.String(), merrors.Wrap(ctx.Err(), merrors.ErrTimeout, "command interrupted")
	case err = <-done:
	}

	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()
	if err != nil {
		ctxMap := map[string]interface{}{"command": command, "stderr": stderr}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			ctxMap["exit_status"] = exitErr.ExitStatus()
		}
		return stdout, stderr, merrors.WithContext(merrors.Adapter(err, fmt.Sprintf("command '%s' failed", command)), ctxMap)
	}

	log.Debug().Str("host", cfg.Host).Str("command", command).Msg("bmc ssh exec completed")
	return stdout, stderr, nil
}

// UploadFile uploads a local file to a remote path using SFTP, creating
// parent directories as needed. A partial upload is removed.
func UploadFile(ctx context.Context, cfg SSHConfig, localPath, remotePath string) (int64, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrConnection, "sftp client creation failed")
	}
	defer client.Close()

	remoteDir := path.Dir(remotePath)
	if err := client.MkdirAll(remoteDir); err != nil {
		if _, statErr := client.Stat(remoteDir); os.IsNotExist(statErr) {
			return 0, merrors.Adapter(err, "failed to create remote directory "+remoteDir)
		}
	}

	srcFile, err := os.Open(localPath)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrNotFound, "failed to open local file "+localPath)
	}
	defer srcFile.Close()

	dstFile, err := client.Create(remotePath)
	if err != nil {
		return 0, merrors.Adapter(err, "failed to create remote file "+remotePath)
	}
	defer dstFile.Close()

	copied, err := io.Copy(dstFile, &contextReader{ctx: ctx, r: srcFile})
	if err != nil {
		_ = client.Remove(remotePath)
		return copied, merrors.Adapter(err, "failed to copy file content")
	}

	log.Debug().Int64("bytes", copied).Str("remote", remotePath).Msg("bmc sftp upload completed")
	return copied, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
