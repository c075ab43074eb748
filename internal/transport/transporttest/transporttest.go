// Package transporttest provides in-memory transport sessions for tests.
package transporttest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/transport"
)

var _ transport.Session = (*Session)(nil)

// Session is a scripted transport.Session. The zero value connects, detects
// OSLinux, reports plenty of disk space and installs version "1.0.0".
type Session struct {
	TransportName string

	ConnectErr  error
	OS          model.OSType
	DetectErr   error
	DiskFreeMB  int
	Existing    string
	InstallErr  error
	Version     string
	ValidateErr error
	// UndoErr fails the removal step with the given name. Removal steps
	// also fail once the session is disconnected.
	UndoErr map[string]error

	mu        sync.Mutex
	connected bool
	calls     []string
	undone    []string
	installed string

	Connects    int
	Disconnects int
}

func (s *Session) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Calls returns the operations invoked so far, in order.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Called reports whether op was invoked.
func (s *Session) Called(op string) bool {
	return slices.Contains(s.Calls(), op)
}

// Undone returns the removal steps that ran, in order.
func (s *Session) Undone() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.undone)
}

// Connected reports whether the session is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Name() string {
	if s.TransportName == "" {
		return transport.NameLinuxSSH
	}
	return s.TransportName
}

func (s *Session) Connect(ctx context.Context) error {
	s.record("connect")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connects++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.Disconnects++
	}
	s.connected = false
	return nil
}

func (s *Session) ExecuteCommand(_ context.Context, command string, _ bool) (transport.CommandResult, error) {
	s.record("exec:" + command)
	if !s.Connected() {
		return transport.CommandResult{}, errors.New("session is not connected")
	}
	if strings.HasPrefix(command, "echo ") {
		return transport.CommandResult{Stdout: strings.TrimPrefix(command, "echo ") + "\n"}, nil
	}
	return transport.CommandResult{}, nil
}

func (s *Session) DetectOS(context.Context) (model.OSType, error) {
	s.record("detect_os")
	if s.DetectErr != nil {
		return model.OSUnknown, s.DetectErr
	}
	if s.OS == "" {
		return model.OSLinux, nil
	}
	return s.OS, nil
}

func (s *Session) OSDetails() map[string]string {
	return map[string]string{"name": "fake"}
}

func (s *Session) CheckDiskSpace(_ context.Context, requiredMB int) bool {
	s.record("check_disk")
	if s.DiskFreeMB == 0 {
		return true
	}
	return s.DiskFreeMB >= requiredMB
}

func (s *Session) CheckExistingInstall(context.Context) bool {
	s.record("check_existing")
	if s.Existing == "" {
		return false
	}
	s.mu.Lock()
	s.installed = s.Existing
	s.mu.Unlock()
	return true
}

func (s *Session) InstalledVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}

func (s *Session) Install(_ context.Context, _ transport.InstallOptions) error {
	s.record("install")
	if s.InstallErr != nil {
		return s.InstallErr
	}
	v := s.Version
	if v == "" {
		v = "1.0.0"
	}
	s.mu.Lock()
	s.installed = v
	s.mu.Unlock()
	return nil
}

func (s *Session) ValidateInstall(context.Context, *model.BasicAuth) error {
	s.record("validate")
	return s.ValidateErr
}

func (s *Session) RemovalSteps() []transport.RemovalStep {
	step := func(name string) transport.RemovalStep {
		return transport.RemovalStep{Name: name, Description: name, Undo: func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.connected {
				return errors.New("session is not connected")
			}
			s.undone = append(s.undone, name)
			return s.UndoErr[name]
		}}
	}
	return []transport.RemovalStep{step("remove-binary"), step("remove-web-config"), step("remove-service")}
}
