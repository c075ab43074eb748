// Package transport implements remote-execution sessions to target hosts.
//
// Every variant (Linux over SSH, Windows over SSH, Windows RPC-Exec and Windows
// Remote-Management) satisfies Session. Connect probes the management port with
// netdiag before any handshake and never leaves a half-open session behind.
// Errors leaving a Session are *errcode.Error values.
package transport

import (
	"context"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/netdiag"
	"github.com/nmslite/agentprov/internal/rollback"
	"github.com/nmslite/agentprov/internal/scripts"
	"github.com/nmslite/agentprov/internal/workpool"
)

// Transport names, as reported in attempt records.
const (
	NameLinuxSSH   = "linux_ssh"
	NameWindowsSSH = "windows_ssh"
	NameRPCExec    = "windows_rpc_exec"
	NameRemoteMgmt = "windows_remote_mgmt"
)

// CommandResult is the outcome of one remote command. A non-zero ExitCode is
// not an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit code.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// InstallOptions parameterise Session.Install.
type InstallOptions struct {
	Profile   model.Profile
	BasicAuth *model.BasicAuth
}

// RemovalStep undoes one side effect of Install.
type RemovalStep struct {
	Name        string
	Description string
	Undo        rollback.Compensation
}

// Session is a remote-execution channel to one host.
type Session interface {
	Name() string
	Connect(ctx context.Context) error
	// Disconnect is idempotent.
	Disconnect() error
	ExecuteCommand(ctx context.Context, command string, elevate bool) (CommandResult, error)

	// DetectOS returns OSUnknown with a nil error when the host answered but
	// is not a supported OS, and an error when the check could not run.
	DetectOS(ctx context.Context) (model.OSType, error)
	OSDetails() map[string]string
	// CheckDiskSpace reports false only when the host is known to have less
	// than requiredMB free. An unknown result is reported as true.
	CheckDiskSpace(ctx context.Context, requiredMB int) bool
	CheckExistingInstall(ctx context.Context) bool
	InstalledVersion() string

	Install(ctx context.Context, opts InstallOptions) error
	ValidateInstall(ctx context.Context, auth *model.BasicAuth) error
	// RemovalSteps lists compensations in the order their side effects are
	// applied by Install.
	RemovalSteps() []RemovalStep
}

// Config holds transport timeouts and default ports.
type Config struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	InstallTimeout time.Duration

	SSHPort      int
	WinRMPort    int
	WinRMTLSPort int
	SMBPort      int

	// KnownHostsFile enables SSH host key verification when set.
	KnownHostsFile string
	// RPCExecBinary is the local executable used by the RPC-Exec transport.
	RPCExecBinary string
	// WinRMInsecure skips TLS certificate verification for HTTPS endpoints.
	WinRMInsecure bool
	// ChunkSize bounds each base64 piece of a script uploaded command by command.
	ChunkSize int
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 60 * time.Second,
		InstallTimeout: 10 * time.Minute,
		SSHPort:        22,
		WinRMPort:      5985,
		WinRMTLSPort:   5986,
		SMBPort:        445,
		RPCExecBinary:  "impacket-wmiexec",
		WinRMInsecure:  true,
		ChunkSize:      2000,
	}
}

// Deps are the collaborators shared by all sessions. Zero fields get defaults.
type Deps struct {
	Config  Config
	Scripts *scripts.Builder
	Pool    *workpool.Pool
	Prober  *netdiag.Prober
	Sink    events.Sink
	Logger  *slog.Logger

	DialSSH   SSHDialer
	Processes ProcessRunner
	LookPath  func(file string) (string, error)
	NewWinRM  WinRMFactory
}

func (d Deps) withDefaults() Deps {
	def := DefaultConfig()
	c := &d.Config
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = def.InstallTimeout
	}
	if c.SSHPort == 0 {
		c.SSHPort = def.SSHPort
	}
	if c.WinRMPort == 0 {
		c.WinRMPort = def.WinRMPort
	}
	if c.WinRMTLSPort == 0 {
		c.WinRMTLSPort = def.WinRMTLSPort
	}
	if c.SMBPort == 0 {
		c.SMBPort = def.SMBPort
	}
	if c.RPCExecBinary == "" {
		c.RPCExecBinary = def.RPCExecBinary
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Sink = events.OrNop(d.Sink)
	if d.Pool == nil {
		d.Pool = workpool.New(8)
	}
	if d.Prober == nil {
		d.Prober = netdiag.NewProber()
	}
	if d.Scripts == nil {
		d.Scripts = scripts.NewBuilder(scripts.Config{}, nil, d.Logger)
	}
	if d.DialSSH == nil {
		d.DialSSH = dialSSH
	}
	if d.Processes == nil {
		d.Processes = execRunner{}
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.NewWinRM == nil {
		d.NewWinRM = newWinRMClient
	}
	return d
}

// probe checks the management port before a handshake. refused selects the
// code reported for a closed port.
func probe(ctx context.Context, d Deps, host string, port int, refused errcode.Code) error {
	res := d.Prober.Probe(ctx, host, port, d.Config.ConnectTimeout)
	if e := errcode.FromProbe(res, refused); e != nil {
		return e
	}
	return nil
}

// timeoutError converts a context expiry into a structured error.
func timeoutError(ctx context.Context, what string, limit time.Duration, err error) error {
	if ctx.Err() == context.Canceled {
		return errcode.Wrap(errcode.Cancelled, ctx.Err(), "%s cancelled", what)
	}
	return errcode.Wrap(errcode.Timeout, err, "%s timed out after %v", what, limit)
}

// A provisioning script is stopped on the target once it outlives the install
// timeout. The local call waits scriptGrace longer, so when it returns the
// script is no longer running and compensations cannot race it.
const (
	scriptKillAfter = 10 * time.Second
	scriptGrace     = scriptKillAfter + 5*time.Second
	// scriptTimedOut is the exit status of a script stopped by its bound.
	scriptTimedOut = 124
	// scriptTimeoutMarker is printed by the Windows launcher, whose exit
	// status does not survive every transport.
	scriptTimeoutMarker = scripts.SentinelPrefix + "TIMEOUT"
)

// scriptContext bounds the local wait for a provisioning script. Cancelling
// ctx does not cut the wait short: the script ends on its own bound.
func scriptContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), limit+scriptGrace)
}

func wholeSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// scriptOutcome turns a provisioning run into the installed version or a
// terminal error. The sentinel wins over the exit status.
func scriptOutcome(name string, limit time.Duration, res CommandResult) error {
	switch scripts.ParseSentinel(res.Stdout + "\n" + res.Stderr) {
	case scripts.OutcomeSucceeded:
		return nil
	case scripts.OutcomeFailed:
		return installFailure(scripts.OutcomeFailed, res)
	}
	// timeout(1) exits 124, or 128+9 when it had to kill.
	if res.ExitCode == scriptTimedOut || res.ExitCode == 137 || strings.Contains(res.Stdout, scriptTimeoutMarker) {
		return errcode.New(errcode.Timeout, "%s provisioning script stopped after %v:\n%s",
			name, limit, scripts.Tail(strings.TrimSpace(res.Stdout+"\n"+res.Stderr), 15))
	}
	return installFailure(scripts.OutcomeMissing, res)
}

func notConnected(name string) error {
	return errcode.New(errcode.NetworkError, "%s session is not connected", name)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// installFailure builds the terminal error for a provisioning run.
func installFailure(outcome scripts.Outcome, res CommandResult) error {
	tail := scripts.Tail(strings.TrimSpace(res.Stdout+"\n"+res.Stderr), 15)
	if outcome == scripts.OutcomeFailed {
		return errcode.New(errcode.InstallFailed, "provisioning script reported FAILED (exit %d):\n%s", res.ExitCode, tail)
	}
	return errcode.New(errcode.InstallFailed, "provisioning script ended without a result marker (exit %d):\n%s", res.ExitCode, tail)
}
