package transport

import (
	"context"
	"time"

	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
)

// WindowsSSH installs windows_exporter through an OpenSSH server on Windows.
// The login must be an administrator; elevation is not attempted.
type WindowsSSH struct {
	*windowsHost
	conn sshConn
}

// NewWindowsSSH creates an unconnected Windows SSH session.
func NewWindowsSSH(target model.ConnectionTarget, deps Deps) *WindowsSSH {
	deps = deps.withDefaults()
	s := &WindowsSSH{
		windowsHost: newWindowsHost(NameWindowsSSH, target, deps),
		conn: sshConn{
			name:   NameWindowsSSH,
			deps:   deps,
			target: target,
			user:   target.QualifiedUser(),
		},
	}
	s.windowsHost.exec = func(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
		return s.conn.run(ctx, s.conn.runner, command, nil, limit)
	}
	s.windowsHost.script = func(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
		return s.conn.runScript(ctx, command, nil, limit)
	}
	s.windowsHost.upload = func(ctx context.Context, body []byte, path string) error {
		return s.conn.upload(ctx, body, sftpPath(path))
	}
	return s
}

func (s *WindowsSSH) Name() string { return NameWindowsSSH }

func (s *WindowsSSH) Connect(ctx context.Context) error {
	if s.conn.runner != nil {
		return nil
	}
	res, err := s.conn.open(ctx, "whoami")
	if err != nil {
		return err
	}
	s.conn.deps.Sink.Emit("SSH session established", events.LevelSuccess, map[string]any{
		"transport": NameWindowsSSH,
		"host":      s.conn.target.Host,
		"user":      firstLine(res.Stdout),
	})
	return nil
}

func (s *WindowsSSH) Disconnect() error {
	return s.conn.close()
}

func (s *WindowsSSH) ExecuteCommand(ctx context.Context, command string, _ bool) (CommandResult, error) {
	return s.conn.run(ctx, s.conn.runner, command, nil, s.conn.deps.Config.CommandTimeout)
}
