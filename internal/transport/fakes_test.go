package transport

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/netdiag"
	"github.com/nmslite/agentprov/internal/scripts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// portDialer accepts connections to the listed ports and refuses the rest.
func portDialer(open ...int) netdiag.DialFunc {
	allowed := make(map[int]bool, len(open))
	for _, p := range open {
		allowed[p] = true
	}
	return func(_ context.Context, _, addr string) (net.Conn, error) {
		_, p, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(p)
		if !allowed[port] {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	}
}

func testDeps(open ...int) (Deps, *events.Recorder) {
	rec := &events.Recorder{}
	logger := quietLogger()
	return Deps{
		Config: Config{
			ConnectTimeout: time.Second,
			CommandTimeout: time.Second,
			InstallTimeout: time.Second,
		},
		Prober:  &netdiag.Prober{Dial: portDialer(open...)},
		Sink:    rec,
		Logger:  logger,
		Scripts: scripts.NewBuilder(scripts.Config{}, nil, logger),
	}, rec
}

func testTarget(family model.OSType) model.ConnectionTarget {
	return model.ConnectionTarget{
		Host:        "10.0.0.5",
		OS:          family,
		Credentials: model.Credentials{Username: "admin", Password: "secret"},
		Profile:     model.ProfileRecommended,
	}
}

type call struct {
	command string
	stdin   string
}

// fakeSSH answers commands with the first matching handler.
type fakeSSH struct {
	mu       sync.Mutex
	handlers []sshHandler
	calls    []call
	uploads  map[string]string
	closed   int
}

type sshHandler struct {
	contains string
	result   CommandResult
}

func newFakeSSH() *fakeSSH {
	return &fakeSSH{uploads: make(map[string]string)}
}

func (f *fakeSSH) on(contains string, res CommandResult) *fakeSSH {
	f.handlers = append(f.handlers, sshHandler{contains, res})
	return f
}

func (f *fakeSSH) Run(command string, stdin []byte) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{command, string(stdin)})
	for _, h := range f.handlers {
		if strings.Contains(command, h.contains) {
			return h.result, nil
		}
	}
	return CommandResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (f *fakeSSH) Upload(content []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[remotePath] = string(content)
	return nil
}

func (f *fakeSSH) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSSH) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c.command, substr) {
			return true
		}
	}
	return false
}

func dialerFor(r SSHRunner, err error) (SSHDialer, *int) {
	dials := 0
	return func(model.ConnectionTarget, string, int, Config) (SSHRunner, error) {
		dials++
		if err != nil {
			return nil, err
		}
		return r, nil
	}, &dials
}

// fakeProcesses emulates the RPC exec client. reply receives the remote command
// without the exit-status wrapper; a non-empty clientErr is printed the way the
// client reports its own failures.
type fakeProcesses struct {
	mu       sync.Mutex
	commands []string
	argv     [][]string
	reply    func(command string) (out string, code int, clientErr string)
}

func (f *fakeProcesses) Run(_ context.Context, _ string, args []string) (CommandResult, error) {
	wrapped := args[len(args)-1]
	inner := strings.TrimPrefix(wrapped, "(")
	inner = strings.TrimSuffix(inner, ") && echo "+rcMarker+"0 || echo "+rcMarker+"1")

	f.mu.Lock()
	f.commands = append(f.commands, inner)
	f.argv = append(f.argv, args)
	f.mu.Unlock()

	out, code, clientErr := f.reply(inner)
	banner := "Impacket v0.12.0 - Copyright Fortra, LLC and its affiliated companies\n\n"
	if clientErr != "" {
		return CommandResult{ExitCode: 1, Stdout: banner + "[-] " + clientErr + "\n"}, nil
	}
	rc := 0
	if code != 0 {
		rc = 1
	}
	return CommandResult{Stdout: banner + "[*] SMBv3.0 dialect used\r\n" + out + "\r\n" + rcMarker + strconv.Itoa(rc) + "\r\n"}, nil
}

// fakeWinRM answers with reply.
type fakeWinRM struct {
	mu       sync.Mutex
	commands []string
	reply    func(command string) (string, string, int, error)
}

func (f *fakeWinRM) RunWithContextWithString(_ context.Context, command, _ string) (string, string, int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	return f.reply(command)
}

// decodePS returns the script behind a -EncodedCommand invocation, or command
// unchanged.
func decodePS(command string) string {
	_, b64, ok := strings.Cut(command, "-EncodedCommand ")
	if !ok {
		return command
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return command
	}
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return command
	}
	return string(out)
}
