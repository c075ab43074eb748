package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/md4"
	"golang.org/x/text/encoding/unicode"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/workpool"
)

const rcMarker = "__AGENTPROV_RC="

// RPCExec runs commands through a local RPC-over-SMB execution client
// (impacket-wmiexec compatible). There is no persistent connection: every
// command starts a new client process.
type RPCExec struct {
	*windowsHost
	binary    string
	hashes    string
	connected bool
}

// NewRPCExec creates an unconnected RPC-Exec session.
func NewRPCExec(target model.ConnectionTarget, deps Deps) *RPCExec {
	deps = deps.withDefaults()
	s := &RPCExec{windowsHost: newWindowsHost(NameRPCExec, target, deps)}
	s.windowsHost.exec = s.run
	s.windowsHost.script = s.runScript
	s.windowsHost.upload = s.chunkUpload
	return s
}

func (s *RPCExec) Name() string { return NameRPCExec }

func (s *RPCExec) smbPort() int {
	if s.target.Ports.SMB != 0 {
		return s.target.Ports.SMB
	}
	return s.deps.Config.SMBPort
}

// Connect checks the client binary is installed, the SMB port is open and the
// credentials are accepted.
func (s *RPCExec) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	path, err := s.deps.LookPath(s.deps.Config.RPCExecBinary)
	if err != nil {
		return errcode.Wrap(errcode.ConfigError, err, "RPC exec client %q not found in PATH", s.deps.Config.RPCExecBinary)
	}
	hash, err := ntHash(s.target.Credentials.Password)
	if err != nil {
		return errcode.Wrap(errcode.ConfigError, err, "cannot derive the NT hash of the password")
	}
	if err := probe(ctx, s.deps, s.target.Host, s.smbPort(), errcode.PortClosed); err != nil {
		return err
	}

	s.binary, s.hashes = path, ":"+hash
	res, err := s.run(ctx, "hostname", s.deps.Config.CommandTimeout)
	if err != nil {
		s.binary, s.hashes = "", ""
		return err
	}
	if !res.OK() {
		s.binary, s.hashes = "", ""
		return errcode.New(errcode.UnknownError, "RPC exec probe command exited with %d", res.ExitCode)
	}
	s.connected = true
	s.deps.Sink.Emit("RPC exec channel verified", events.LevelSuccess, map[string]any{
		"transport": NameRPCExec,
		"host":      s.target.Host,
		"hostname":  firstLine(res.Stdout),
	})
	return nil
}

// Disconnect forgets the verified state; there is nothing to close.
func (s *RPCExec) Disconnect() error {
	s.connected = false
	s.binary, s.hashes = "", ""
	return nil
}

func (s *RPCExec) ExecuteCommand(ctx context.Context, command string, _ bool) (CommandResult, error) {
	if !s.connected {
		return CommandResult{}, notConnected(NameRPCExec)
	}
	return s.run(ctx, command, s.deps.Config.CommandTimeout)
}

// identity names the account without its password, which is passed as an NT
// hash through -hashes and never appears in the client's argv.
func (s *RPCExec) identity() string {
	id := s.target.Credentials.Username + "@" + s.target.Host
	if s.target.Domain != "" {
		id = s.target.Domain + "/" + id
	}
	return id
}

// ntHash is MD4 over the UTF-16LE password, the form NTLM authenticates with.
func ntHash(password string) (string, error) {
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(password)
	if err != nil {
		return "", err
	}
	h := md4.New()
	h.Write([]byte(utf16))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *RPCExec) args(command string) []string {
	wrapped := "(" + command + ") && echo " + rcMarker + "0 || echo " + rcMarker + "1"
	args := []string{"-codec", "utf-8", "-hashes", s.hashes}
	if port := s.smbPort(); port != 445 {
		args = append(args, "-port", strconv.Itoa(port))
	}
	return append(args, s.identity(), wrapped)
}

func (s *RPCExec) run(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return s.call(ctx, cctx, command, limit)
}

func (s *RPCExec) runScript(ctx context.Context, command string, limit time.Duration) (CommandResult, error) {
	sctx, cancel := scriptContext(ctx, limit)
	defer cancel()
	return s.call(sctx, sctx, command, limit+scriptGrace)
}

func (s *RPCExec) call(ctx, cctx context.Context, command string, limit time.Duration) (CommandResult, error) {
	if s.binary == "" {
		return CommandResult{}, notConnected(NameRPCExec)
	}
	args := s.args(command)
	raw, err := workpool.Run(cctx, s.deps.Pool, func() (CommandResult, error) {
		return s.deps.Processes.Run(cctx, s.binary, args)
	})
	if err != nil {
		if cctx.Err() != nil {
			return CommandResult{}, timeoutError(ctx, "RPC exec command", limit, err)
		}
		return CommandResult{}, errcode.Wrap(errcode.ConfigError, err, "failed to start %s", s.binary)
	}
	return parseRPCOutput(raw)
}

// parseRPCOutput strips client chatter and recovers the remote exit status from
// the marker line. Client-side failures become structured errors.
func parseRPCOutput(raw CommandResult) (CommandResult, error) {
	var out []string
	var failures []string
	code := -1
	for _, line := range strings.Split(strings.ReplaceAll(raw.Stdout, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, rcMarker):
			if n, err := strconv.Atoi(strings.TrimPrefix(trimmed, rcMarker)); err == nil {
				code = n
			}
		case strings.HasPrefix(trimmed, "Impacket v"), strings.HasPrefix(trimmed, "[*]"), strings.HasPrefix(trimmed, "[!]"):
		case strings.HasPrefix(trimmed, "[-]"):
			failures = append(failures, strings.TrimSpace(strings.TrimPrefix(trimmed, "[-]")))
		default:
			out = append(out, line)
		}
	}
	for _, line := range strings.Split(raw.Stderr, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "[-]") {
			failures = append(failures, strings.TrimSpace(strings.TrimPrefix(t, "[-]")))
		}
	}

	if code < 0 {
		msg := strings.Join(failures, "; ")
		if msg == "" {
			msg = firstLine(raw.Stderr)
		}
		if msg == "" {
			msg = "client exited with " + strconv.Itoa(raw.ExitCode) + " and no result"
		}
		return CommandResult{}, classifyRPCFailure(msg)
	}
	return CommandResult{
		ExitCode: code,
		Stdout:   strings.TrimSpace(strings.Join(out, "\n")),
		Stderr:   raw.Stderr,
	}, nil
}

func classifyRPCFailure(msg string) error {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "STATUS_LOGON_FAILURE"),
		strings.Contains(upper, "STATUS_ACCESS_DENIED"),
		strings.Contains(upper, "RPC_S_ACCESS_DENIED"),
		strings.Contains(upper, "STATUS_ACCOUNT_"),
		strings.Contains(upper, "STATUS_PASSWORD_"):
		return errcode.New(errcode.AuthFailed, "RPC exec rejected the credentials: %s", msg)
	}
	if e := errcode.FromNetError(errors.New(msg)); e != nil {
		return e
	}
	return errcode.New(errcode.UnknownError, "RPC exec failed: %s", msg)
}
