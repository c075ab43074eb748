package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/melbahja/goph"
	"golang.org/x/crypto/ssh"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/workpool"
)

// SSHRunner is an authenticated SSH connection.
type SSHRunner interface {
	// Run executes command. A remote non-zero exit is reported in the result,
	// not as an error.
	Run(command string, stdin []byte) (CommandResult, error)
	Upload(content []byte, remotePath string) error
	Close() error
}

// SSHDialer opens an SSHRunner. It blocks and ignores cancellation.
type SSHDialer func(target model.ConnectionTarget, user string, port int, cfg Config) (SSHRunner, error)

type gophRunner struct {
	client *goph.Client
}

func dialSSH(target model.ConnectionTarget, user string, port int, cfg Config) (SSHRunner, error) {
	auth, err := sshAuth(target.Credentials)
	if err != nil {
		return nil, err
	}

	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		callback, err = goph.KnownHosts(cfg.KnownHostsFile)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigError, err, "cannot load known hosts file %s", cfg.KnownHostsFile)
		}
	}

	client, err := goph.NewConn(&goph.Config{
		User:     user,
		Addr:     target.Host,
		Port:     uint(port),
		Auth:     auth,
		Timeout:  cfg.ConnectTimeout,
		Callback: callback,
	})
	if err != nil {
		return nil, errcode.FromSSHError(err)
	}
	return &gophRunner{client: client}, nil
}

// sshAuth builds auth methods: the private key first, then password and
// keyboard-interactive with the same password.
func sshAuth(creds model.Credentials) (goph.Auth, error) {
	var auth goph.Auth

	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.AuthMethodUnavailable, err, "failed to parse private key: %v", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		password := creds.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(auth) == 0 {
		return nil, errcode.New(errcode.AuthMethodUnavailable, "no authentication method provided (password or private key required)")
	}
	return auth, nil
}

func (r *gophRunner) Run(command string, stdin []byte) (CommandResult, error) {
	cmd, err := r.client.Command(command)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to create command: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err = cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missing):
		res.ExitCode = -1
	default:
		return res, err
	}
	return res, nil
}

func (r *gophRunner) Upload(content []byte, remotePath string) error {
	sftp, err := r.client.NewSftp()
	if err != nil {
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftp.Close()

	f, err := sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, bytes.NewReader(content)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", remotePath, err)
	}
	if driveLetterPath(remotePath) {
		// Windows sftp-server has no POSIX modes.
		return nil
	}
	return sftp.Chmod(remotePath, 0o700)
}

// sftpPath converts a Windows path such as C:\Temp\x.ps1 to the /C:/Temp/x.ps1
// form understood by the Windows OpenSSH sftp-server. Other paths are returned
// unchanged.
func sftpPath(p string) string {
	if len(p) < 2 || p[1] != ':' {
		return p
	}
	return "/" + strings.ReplaceAll(p, `\`, "/")
}

func driveLetterPath(p string) bool {
	p = strings.TrimPrefix(p, "/")
	return len(p) >= 2 && p[1] == ':'
}

func (r *gophRunner) Close() error {
	return r.client.Close()
}

// sshConn is the connection state shared by both SSH variants.
type sshConn struct {
	name   string
	deps   Deps
	target model.ConnectionTarget
	user   string
	runner SSHRunner
}

func (c *sshConn) port() int {
	if c.target.Ports.SSH != 0 {
		return c.target.Ports.SSH
	}
	return c.deps.Config.SSHPort
}

// open probes, dials and verifies the connection with check. c.runner is only
// set once every step succeeded.
func (c *sshConn) open(ctx context.Context, check string) (CommandResult, error) {
	if err := probe(ctx, c.deps, c.target.Host, c.port(), errcode.ConnectionRefused); err != nil {
		return CommandResult{}, err
	}

	runner, err := workpool.Run(ctx, c.deps.Pool, func() (SSHRunner, error) {
		r, err := c.deps.DialSSH(c.target, c.user, c.port(), c.deps.Config)
		if err == nil && ctx.Err() != nil {
			r.Close()
			return nil, ctx.Err()
		}
		return r, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return CommandResult{}, timeoutError(ctx, "SSH connect", c.deps.Config.ConnectTimeout, err)
		}
		return CommandResult{}, errcode.FromSSHError(err)
	}

	res, err := c.run(ctx, runner, check, nil, c.deps.Config.CommandTimeout)
	if err != nil {
		runner.Close()
		return CommandResult{}, err
	}
	c.runner = runner
	return res, nil
}

func (c *sshConn) run(ctx context.Context, runner SSHRunner, command string, stdin []byte, limit time.Duration) (CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return c.call(ctx, cctx, runner, command, stdin, limit)
}

// runScript runs a provisioning script that bounds itself on the target.
func (c *sshConn) runScript(ctx context.Context, command string, stdin []byte, limit time.Duration) (CommandResult, error) {
	sctx, cancel := scriptContext(ctx, limit)
	defer cancel()
	return c.call(sctx, sctx, c.runner, command, stdin, limit+scriptGrace)
}

func (c *sshConn) call(ctx, cctx context.Context, runner SSHRunner, command string, stdin []byte, limit time.Duration) (CommandResult, error) {
	if runner == nil {
		return CommandResult{}, notConnected(c.name)
	}
	res, err := workpool.Run(cctx, c.deps.Pool, func() (CommandResult, error) {
		return runner.Run(command, stdin)
	})
	if err != nil {
		if cctx.Err() != nil {
			return CommandResult{}, timeoutError(ctx, "remote command", limit, err)
		}
		return CommandResult{}, errcode.FromSSHError(err)
	}
	return res, nil
}

func (c *sshConn) upload(ctx context.Context, content []byte, remotePath string) error {
	if c.runner == nil {
		return notConnected(c.name)
	}
	runner := c.runner
	cctx, cancel := context.WithTimeout(ctx, c.deps.Config.CommandTimeout)
	defer cancel()
	err := c.deps.Pool.Do(cctx, func() error {
		return runner.Upload(content, remotePath)
	})
	if err != nil {
		if cctx.Err() != nil {
			return timeoutError(ctx, "upload of "+path.Base(remotePath), c.deps.Config.CommandTimeout, err)
		}
		return errcode.Wrap(errcode.SSHError, err, "failed to upload %s: %v", remotePath, err)
	}
	return nil
}

func (c *sshConn) close() error {
	if c.runner == nil {
		return nil
	}
	err := c.runner.Close()
	c.runner = nil
	if err != nil {
		c.deps.Logger.Debug("SSH close failed", "transport", c.name, "host", c.target.Host, "error", err)
	}
	return nil
}
