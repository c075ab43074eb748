package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/masterzen/winrm"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/workpool"
)

// WinRMClient is the subset of *winrm.Client used by RemoteMgmt.
type WinRMClient interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

// WinRMFactory builds a client for an endpoint.
type WinRMFactory func(target model.ConnectionTarget, port int, cfg Config) (WinRMClient, error)

// newWinRMClient uses Basic auth, or NTLM when the target has a domain.
func newWinRMClient(target model.ConnectionTarget, port int, cfg Config) (WinRMClient, error) {
	endpoint := winrm.NewEndpoint(
		target.Host,
		port,
		target.UseTLS,
		cfg.WinRMInsecure,
		nil,
		nil,
		nil,
		cfg.ConnectTimeout,
	)

	if target.Domain != "" {
		params := *winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		return winrm.NewClientWithParameters(endpoint, target.QualifiedUser(), target.Credentials.Password, &params)
	}
	return winrm.NewClient(endpoint, target.Credentials.Username, target.Credentials.Password)
}

// RemoteMgmt runs commands over WS-Management.
type RemoteMgmt struct {
	*windowsHost
	client WinRMClient
}

// NewRemoteMgmt creates an unconnected Remote-Management session.
func NewRemoteMgmt(target model.ConnectionTarget, deps Deps) *RemoteMgmt {
	deps = deps.withDefaults()
	s := &RemoteMgmt{windowsHost: newWindowsHost(NameRemoteMgmt, target, deps)}
	s.windowsHost.exec = s.run
	s.windowsHost.script = s.runScript
	s.windowsHost.upload = s.chunkUpload
	return s
}

func (s *RemoteMgmt) Name() string { return NameRemoteMgmt }

func (s *RemoteMgmt) port() int {
	switch {
	case s.target.Ports.WinRM != 0:
		return s.target.Ports.WinRM
	case s.target.UseTLS:
		return s.deps.Config.WinRMTLSPort
	default:
		return s.deps.Config.WinRMPort
	}
}

// Connect builds the client, probes the endpoint port and runs a command to
// verify the credentials.
func (s *RemoteMgmt) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client, err := s.deps.NewWinRM(s.target, s.port(), s.deps.Config)
	if err != nil {
		return errcode.Wrap(errcode.ConfigError, err, "failed to create remote management client: %v", err)
	}
	if err := probe(ctx, s.deps, s.target.Host, s.port(), errcode.PortClosed); err != nil {
		return err
	}

	res, err := s.runWith(ctx, client, "hostname", s.deps.Config.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errcode.New(errcode.UnknownError, "remote management probe command exited with %d: %s",
			res.ExitCode, firstLine(res.Stderr))
	}
	s.client = client
	s.deps.Sink.Emit("Remote management session established", events.LevelSuccess, map[string]any{
		"transport": NameRemoteMgmt,
		"host":      s.target.Host,
		"hostname":  firstLine(res.Stdout),
		"tls":       s.target.UseTLS,
	})
	return nil
}

// Disconnect drops the client. WinRM shells are per command.
func (s *RemoteMgmt) Disconnect() error {
	s.client = nil
	return nil
}

func (s *RemoteMgmt) ExecuteCommand(ctx context.Context, command string, _ bool) (CommandResult, error) {
	return s.run(ctx, command, s.deps.Config.CommandTimeout)
}

func (s *RemoteMgmt) run(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
	if s.client == nil {
		return CommandResult{}, notConnected(NameRemoteMgmt)
	}
	return s.runWith(ctx, s.client, command, limit)
}

func (s *RemoteMgmt) runScript(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
	if s.client == nil {
		return CommandResult{}, notConnected(NameRemoteMgmt)
	}
	sctx, cancel := scriptContext(ctx, limit)
	defer cancel()
	return s.call(sctx, sctx, s.client, command, limit+scriptGrace)
}

func (s *RemoteMgmt) runWith(ctx context.Context, client WinRMClient, command string, limit time.Duration) (CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return s.call(ctx, cctx, client, command, limit)
}

func (s *RemoteMgmt) call(ctx, cctx context.Context, client WinRMClient, command string, limit time.Duration) (CommandResult, error) {
	res, err := workpool.Run(cctx, s.deps.Pool, func() (CommandResult, error) {
		stdout, stderr, code, err := client.RunWithContextWithString(cctx, command, "")
		if err != nil {
			return CommandResult{}, fmt.Errorf("WinRM execution failed: %w", err)
		}
		return CommandResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
	})
	if err != nil {
		if cctx.Err() != nil {
			return CommandResult{}, timeoutError(ctx, "remote management command", limit, err)
		}
		return CommandResult{}, errcode.FromWinRMError(err)
	}
	return res, nil
}
