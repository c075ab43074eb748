package transport

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/scripts"
)

// LinuxSSH installs node_exporter over SSH.
type LinuxSSH struct {
	conn sshConn

	root             bool
	details          map[string]string
	installedVersion string
}

// NewLinuxSSH creates an unconnected Linux SSH session.
func NewLinuxSSH(target model.ConnectionTarget, deps Deps) *LinuxSSH {
	deps = deps.withDefaults()
	return &LinuxSSH{
		conn: sshConn{
			name:   NameLinuxSSH,
			deps:   deps,
			target: target,
			user:   target.Credentials.Username,
		},
		details: make(map[string]string),
	}
}

func (s *LinuxSSH) Name() string { return NameLinuxSSH }

// Connect probes the SSH port, authenticates and records whether the login is root.
func (s *LinuxSSH) Connect(ctx context.Context) error {
	if s.conn.runner != nil {
		return nil
	}
	res, err := s.conn.open(ctx, "id -u")
	if err != nil {
		return err
	}
	s.root = strings.TrimSpace(res.Stdout) == "0"
	s.conn.deps.Sink.Emit("SSH session established", events.LevelSuccess, map[string]any{
		"transport": NameLinuxSSH,
		"host":      s.conn.target.Host,
		"root":      s.root,
	})
	return nil
}

func (s *LinuxSSH) Disconnect() error {
	return s.conn.close()
}

// ExecuteCommand runs command through sh. With elevate set and a non-root
// login it goes through sudo, fed the login password when there is one.
func (s *LinuxSSH) ExecuteCommand(ctx context.Context, command string, elevate bool) (CommandResult, error) {
	return s.exec(ctx, command, elevate, s.conn.deps.Config.CommandTimeout)
}

func (s *LinuxSSH) exec(ctx context.Context, command string, elevate bool, limit time.Duration) (CommandResult, error) {
	cmd, stdin := s.elevated(command, elevate)
	return s.conn.run(ctx, s.conn.runner, cmd, stdin, limit)
}

func (s *LinuxSSH) elevated(command string, elevate bool) (string, []byte) {
	if !elevate || s.root {
		return command, nil
	}
	if pw := s.conn.target.Credentials.Password; pw != "" {
		return "sudo -S -p '' sh -c " + scripts.ShellQuote(command), []byte(pw + "\n")
	}
	return "sudo -n sh -c " + scripts.ShellQuote(command), nil
}

// DetectOS reads uname and /etc/os-release.
func (s *LinuxSSH) DetectOS(ctx context.Context) (model.OSType, error) {
	res, err := s.ExecuteCommand(ctx, "uname -s; uname -r; uname -m", false)
	if err != nil {
		return model.OSUnknown, err
	}
	if !res.OK() {
		return model.OSUnknown, errcode.New(errcode.UnknownError, "uname exited with %d: %s", res.ExitCode, firstLine(res.Stderr))
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	kernel := strings.TrimSpace(lines[0])
	s.details["kernel_name"] = kernel
	if len(lines) > 1 {
		s.details["kernel"] = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		s.details["arch"] = strings.TrimSpace(lines[2])
	}
	if !strings.EqualFold(kernel, "Linux") {
		return model.OSUnknown, nil
	}

	if rel, err := s.ExecuteCommand(ctx, "cat /etc/os-release", false); err == nil && rel.OK() {
		for k, v := range parseOSRelease(rel.Stdout) {
			switch k {
			case "ID", "VERSION_ID", "PRETTY_NAME", "NAME":
				s.details[strings.ToLower(k)] = v
			}
		}
	}
	return model.OSLinux, nil
}

func parseOSRelease(out string) map[string]string {
	vals := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || strings.HasPrefix(k, "#") {
			continue
		}
		vals[k] = strings.Trim(v, `"'`)
	}
	return vals
}

func (s *LinuxSSH) OSDetails() map[string]string {
	out := make(map[string]string, len(s.details))
	for k, v := range s.details {
		out[k] = v
	}
	return out
}

// CheckDiskSpace checks the filesystem holding the agent binary.
func (s *LinuxSSH) CheckDiskSpace(ctx context.Context, requiredMB int) bool {
	res, err := s.ExecuteCommand(ctx, "df -Pm /usr/local | awk 'NR==2 {print $4}'", false)
	if err != nil || !res.OK() {
		s.diskUnknown(fmt.Sprintf("df failed: %v %s", err, firstLine(res.Stderr)))
		return true
	}
	free, perr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if perr != nil {
		s.diskUnknown(fmt.Sprintf("unparseable df output %q", strings.TrimSpace(res.Stdout)))
		return true
	}
	s.details["disk_free_mb"] = strconv.Itoa(free)
	return free >= requiredMB
}

func (s *LinuxSSH) diskUnknown(reason string) {
	s.conn.deps.Sink.Emit("Disk space could not be determined, continuing", events.LevelWarning, map[string]any{
		"transport": NameLinuxSSH,
		"reason":    reason,
	})
}

var versionRe = regexp.MustCompile(`version v?(\d+\.\d+\.\d+[^\s]*)`)

// CheckExistingInstall looks for the agent binary and records its version.
func (s *LinuxSSH) CheckExistingInstall(ctx context.Context) bool {
	cmd := fmt.Sprintf("test -x %s && %s --version 2>&1 | head -n 1", scripts.LinuxBinary, scripts.LinuxBinary)
	res, err := s.ExecuteCommand(ctx, cmd, false)
	if err != nil || !res.OK() {
		return false
	}
	if m := versionRe.FindStringSubmatch(res.Stdout); m != nil {
		s.installedVersion = m[1]
	} else {
		s.installedVersion = "unknown"
	}
	return true
}

func (s *LinuxSSH) InstalledVersion() string { return s.installedVersion }

// Install uploads the rendered script over SFTP and runs it elevated under
// timeout(1), so the script cannot outlive the install timeout.
func (s *LinuxSSH) Install(ctx context.Context, opts InstallOptions) error {
	deps := s.conn.deps
	script, err := deps.Scripts.Build(ctx, model.OSLinux, opts.Profile, opts.BasicAuth)
	if err != nil {
		return err
	}
	announceScript(deps, NameLinuxSSH, script)

	remote := fmt.Sprintf("/tmp/agentprov-%s.sh", uuid.NewString()[:8])
	if err := s.conn.upload(ctx, []byte(script.Body), remote); err != nil {
		return err
	}
	defer func() {
		if _, err := s.ExecuteCommand(context.WithoutCancel(ctx), "rm -f "+remote, false); err != nil {
			deps.Logger.Debug("Failed to remove provisioning script", "path", remote, "error", err)
		}
	}()

	limit := deps.Config.InstallTimeout
	cmd, stdin := s.elevated(fmt.Sprintf("timeout --kill-after=%ds %ds bash %s",
		wholeSeconds(scriptKillAfter), wholeSeconds(limit), remote), true)
	res, err := s.conn.runScript(ctx, cmd, stdin, limit)
	if err != nil {
		return err
	}
	if err := scriptOutcome(NameLinuxSSH, limit, res); err != nil {
		return err
	}
	s.installedVersion = script.Version
	return nil
}

// ValidateInstall checks the unit is active and the metrics endpoint answers.
func (s *LinuxSSH) ValidateInstall(ctx context.Context, auth *model.BasicAuth) error {
	res, err := s.ExecuteCommand(ctx, "systemctl is-active "+scripts.LinuxService, false)
	if err != nil {
		return err
	}
	if state := strings.TrimSpace(res.Stdout); state != "active" {
		return errcode.New(errcode.ValidationFailed, "%s is %s", scripts.LinuxService, state)
	}

	port := s.conn.deps.Scripts.Port(model.OSLinux)
	cmd := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' -K - http://127.0.0.1:%d/metrics", port)
	var stdin []byte
	if auth != nil && auth.Username != "" {
		stdin = []byte(fmt.Sprintf("user = %q\n", auth.Username+":"+auth.Password))
	} else {
		stdin = []byte("\n")
	}
	res, err = s.conn.run(ctx, s.conn.runner, cmd, stdin, s.conn.deps.Config.CommandTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode == 127 {
		s.conn.deps.Sink.Emit("curl not available, skipping metrics endpoint check", events.LevelWarning, nil)
		return nil
	}
	if code := strings.TrimSpace(res.Stdout); code != "200" {
		return errcode.New(errcode.ValidationFailed, "metrics endpoint on port %d returned HTTP %s", port, code)
	}
	return nil
}

// RemovalSteps undo the binary, web config and systemd unit, in install order.
func (s *LinuxSSH) RemovalSteps() []RemovalStep {
	step := func(name, desc, cmd string) RemovalStep {
		return RemovalStep{Name: name, Description: desc, Undo: func(ctx context.Context) error {
			res, err := s.ExecuteCommand(ctx, cmd, true)
			if err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%s exited with %d: %s", name, res.ExitCode, firstLine(res.Stderr))
			}
			return nil
		}}
	}
	return []RemovalStep{
		step("remove-binary", "Remove partially installed node_exporter binary",
			"rm -f "+scripts.LinuxBinary),
		step("remove-web-config", "Remove node_exporter web configuration",
			"rm -rf "+scripts.LinuxConfigDir),
		step("remove-service", "Stop and remove the node_exporter systemd unit",
			fmt.Sprintf("systemctl disable --now %s 2>/dev/null; rm -f %s; systemctl daemon-reload",
				scripts.LinuxService, scripts.LinuxUnitPath)),
	}
}

func announceScript(deps Deps, transport string, script *scripts.Script) {
	if script.VersionFallback {
		deps.Sink.Emit("Latest release lookup failed, installing pinned version", events.LevelWarning, map[string]any{
			"transport": transport,
			"version":   script.Version,
		})
	}
	if script.RemoteHash {
		deps.Sink.Emit("Basic auth password will be hashed on the target", events.LevelWarning, map[string]any{
			"transport": transport,
		})
	}
	deps.Sink.Emit("Running provisioning script", events.LevelInfo, map[string]any{
		"transport": transport,
		"version":   script.Version,
		"port":      script.Port,
	})
}
