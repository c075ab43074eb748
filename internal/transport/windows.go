package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/scripts"
)

// windowsHost holds the pre-flight, install and validation logic shared by the
// three Windows transports. The transport supplies how commands run and how a
// file reaches the target.
type windowsHost struct {
	name   string
	deps   Deps
	target model.ConnectionTarget

	exec func(ctx context.Context, command string, limit time.Duration) (CommandResult, error)
	// script runs a command that bounds itself by limit on the target.
	script func(ctx context.Context, command string, limit time.Duration) (CommandResult, error)
	upload func(ctx context.Context, body []byte, path string) error

	details          map[string]string
	installedVersion string
}

func newWindowsHost(name string, target model.ConnectionTarget, deps Deps) *windowsHost {
	return &windowsHost{name: name, deps: deps, target: target, details: make(map[string]string)}
}

func (w *windowsHost) powershell(ctx context.Context, script string, limit time.Duration) (CommandResult, error) {
	cmd, err := scripts.EncodePowerShell(script)
	if err != nil {
		return CommandResult{}, errcode.Wrap(errcode.ConfigError, err, "cannot encode PowerShell command")
	}
	return w.exec(ctx, cmd, limit)
}

// chunkUpload writes body to path with one command per base64 chunk.
func (w *windowsHost) chunkUpload(ctx context.Context, body []byte, path string) error {
	for _, cmd := range scripts.UploadCommands(string(body), path, w.deps.Config.ChunkSize) {
		res, err := w.exec(ctx, cmd, w.deps.Config.CommandTimeout)
		if err != nil {
			return err
		}
		if !res.OK() {
			return errcode.New(errcode.InstallFailed, "upload of %s failed (exit %d): %s",
				path, res.ExitCode, firstLine(res.Stdout+res.Stderr))
		}
	}
	return nil
}

type osProbe struct {
	name string
	run  func(ctx context.Context) (model.OSType, map[string]string, error)
}

// DetectOS tries WMI, a PowerShell version probe and a systeminfo scrape, in
// that order. When none identifies the OS but PowerShell answered, the host is
// assumed to be Windows.
func (w *windowsHost) DetectOS(ctx context.Context) (model.OSType, error) {
	psAnswered := false
	var lastErr error

	probes := []osProbe{
		{"wmi", w.detectWMI},
		{"powershell", func(ctx context.Context) (model.OSType, map[string]string, error) {
			os, details, err := w.detectPowerShell(ctx)
			if err == nil && details != nil {
				psAnswered = true
			}
			return os, details, err
		}},
		{"systeminfo", w.detectSystemInfo},
	}
	for _, p := range probes {
		os, details, err := p.run(ctx)
		if err != nil {
			lastErr = err
			w.deps.Logger.Debug("OS detection strategy failed", "transport", w.name, "strategy", p.name, "error", err)
			continue
		}
		if os == model.OSWindows {
			for k, v := range details {
				w.details[k] = v
			}
			w.details["detection"] = p.name
			return model.OSWindows, nil
		}
	}

	if psAnswered {
		w.details["detection"] = "assumed"
		w.deps.Sink.Emit("OS detection inconclusive, assuming Windows because PowerShell responded", events.LevelWarning,
			map[string]any{"transport": w.name})
		return model.OSWindows, nil
	}
	if lastErr != nil {
		return model.OSUnknown, lastErr
	}
	return model.OSUnknown, nil
}

func (w *windowsHost) detectWMI(ctx context.Context) (model.OSType, map[string]string, error) {
	res, err := w.exec(ctx, "wmic os get Caption,Version,OSArchitecture /value", w.deps.Config.CommandTimeout)
	if err != nil {
		return model.OSUnknown, nil, err
	}
	if !res.OK() {
		return model.OSUnknown, nil, nil
	}
	vals := parseKeyValues(res.Stdout, "=")
	caption := vals["Caption"]
	if !strings.Contains(caption, "Windows") {
		return model.OSUnknown, nil, nil
	}
	return model.OSWindows, map[string]string{
		"caption": caption,
		"version": vals["Version"],
		"arch":    vals["OSArchitecture"],
	}, nil
}

func (w *windowsHost) detectPowerShell(ctx context.Context) (model.OSType, map[string]string, error) {
	res, err := w.powershell(ctx,
		`Write-Output ("PSVersion=" + $PSVersionTable.PSVersion.ToString()); Write-Output ("OSVersion=" + [Environment]::OSVersion.VersionString)`,
		w.deps.Config.CommandTimeout)
	if err != nil {
		return model.OSUnknown, nil, err
	}
	if !res.OK() {
		return model.OSUnknown, nil, nil
	}
	vals := parseKeyValues(res.Stdout, "=")
	details := map[string]string{"powershell": vals["PSVersion"]}
	if osv := vals["OSVersion"]; strings.Contains(osv, "Windows") {
		details["version"] = osv
		return model.OSWindows, details, nil
	}
	return model.OSUnknown, details, nil
}

func (w *windowsHost) detectSystemInfo(ctx context.Context) (model.OSType, map[string]string, error) {
	res, err := w.exec(ctx, "systeminfo", w.deps.Config.CommandTimeout)
	if err != nil {
		return model.OSUnknown, nil, err
	}
	if !res.OK() {
		return model.OSUnknown, nil, nil
	}
	vals := parseKeyValues(res.Stdout, ":")
	name := vals["OS Name"]
	if !strings.Contains(name, "Windows") {
		return model.OSUnknown, nil, nil
	}
	return model.OSWindows, map[string]string{"caption": name, "version": vals["OS Version"]}, nil
}

func parseKeyValues(out, sep string) map[string]string {
	vals := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), sep)
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, seen := vals[k]; !seen {
			vals[k] = strings.TrimSpace(v)
		}
	}
	return vals
}

func (w *windowsHost) OSDetails() map[string]string {
	out := make(map[string]string, len(w.details))
	for k, v := range w.details {
		out[k] = v
	}
	return out
}

// CheckDiskSpace checks free space on the system drive.
func (w *windowsHost) CheckDiskSpace(ctx context.Context, requiredMB int) bool {
	res, err := w.powershell(ctx, `[math]::Floor((Get-PSDrive -Name C).Free / 1MB)`, w.deps.Config.CommandTimeout)
	if err != nil || !res.OK() {
		w.diskUnknown(fmt.Sprintf("drive query failed: %v %s", err, firstLine(res.Stderr)))
		return true
	}
	free, perr := strconv.Atoi(firstLine(res.Stdout))
	if perr != nil {
		w.diskUnknown(fmt.Sprintf("unparseable drive query output %q", firstLine(res.Stdout)))
		return true
	}
	w.details["disk_free_mb"] = strconv.Itoa(free)
	return free >= requiredMB
}

func (w *windowsHost) diskUnknown(reason string) {
	w.deps.Sink.Emit("Disk space could not be determined, continuing", events.LevelWarning, map[string]any{
		"transport": w.name,
		"reason":    reason,
	})
}

const existingInstallScript = `$s = Get-Service -Name '` + scripts.WindowsService + `' -ErrorAction SilentlyContinue
if ($s) {
    $p = Get-ItemProperty 'HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\*' -ErrorAction SilentlyContinue |
        Where-Object { $_.DisplayName -like 'windows_exporter*' } | Select-Object -First 1
    Write-Output ("present=" + $p.DisplayVersion)
} else {
    Write-Output 'absent'
}`

// CheckExistingInstall looks for the agent service and records the installed
// package version.
func (w *windowsHost) CheckExistingInstall(ctx context.Context) bool {
	res, err := w.powershell(ctx, existingInstallScript, w.deps.Config.CommandTimeout)
	if err != nil || !res.OK() {
		return false
	}
	line := firstLine(res.Stdout)
	v, ok := strings.CutPrefix(line, "present=")
	if !ok {
		return false
	}
	if v == "" {
		v = "unknown"
	}
	w.installedVersion = v
	return true
}

func (w *windowsHost) InstalledVersion() string { return w.installedVersion }

// launcherScript runs the uploaded script as a child process and kills its
// process tree once it outlives limit.
func launcherScript(path string, limit time.Duration) string {
	return fmt.Sprintf(`$script = %[1]s
$out = $script + '.out'
$errlog = $script + '.err'
$argv = '-NoProfile', '-NonInteractive', '-ExecutionPolicy', 'Bypass', '-File', $script
$p = Start-Process -FilePath powershell.exe -ArgumentList $argv -NoNewWindow -PassThru -RedirectStandardOutput $out -RedirectStandardError $errlog
$null = $p.Handle
if ($p.WaitForExit(%[2]d)) {
    $code = $p.ExitCode
} else {
    taskkill.exe /T /F /PID $p.Id | Out-Null
    $p.WaitForExit()
    Write-Output %[4]s
    $code = %[3]d
}
Get-Content -ErrorAction SilentlyContinue $out
Get-Content -ErrorAction SilentlyContinue $errlog | ForEach-Object { [Console]::Error.WriteLine($_) }
Remove-Item -Force -ErrorAction SilentlyContinue $out, $errlog
exit $code`, scripts.PSQuote(path), limit.Milliseconds(), scriptTimedOut, scripts.PSQuote(scriptTimeoutMarker))
}

// Install uploads the PowerShell provisioning script under a per-run name and
// runs it through launcherScript.
func (w *windowsHost) Install(ctx context.Context, opts InstallOptions) error {
	script, err := w.deps.Scripts.Build(ctx, model.OSWindows, opts.Profile, opts.BasicAuth)
	if err != nil {
		return err
	}
	announceScript(w.deps, w.name, script)

	path := scripts.WindowsScriptPath(uuid.NewString()[:8])
	if err := w.upload(ctx, []byte(script.Body), path); err != nil {
		return err
	}
	defer func() {
		if _, err := w.exec(context.WithoutCancel(ctx), fmt.Sprintf(`del /f /q "%s"`, path), w.deps.Config.CommandTimeout); err != nil {
			w.deps.Logger.Debug("Failed to remove provisioning script", "path", path, "error", err)
		}
	}()

	limit := w.deps.Config.InstallTimeout
	cmd, err := scripts.EncodePowerShell(launcherScript(path, limit))
	if err != nil {
		return errcode.Wrap(errcode.ConfigError, err, "cannot encode PowerShell command")
	}
	res, err := w.script(ctx, cmd, limit)
	if err != nil {
		return err
	}
	if err := scriptOutcome(w.name, limit, res); err != nil {
		return err
	}
	w.installedVersion = script.Version
	return nil
}

// ValidateInstall checks the service is running and the metrics endpoint answers.
func (w *windowsHost) ValidateInstall(ctx context.Context, auth *model.BasicAuth) error {
	port := w.deps.Scripts.Port(model.OSWindows)
	header := ""
	if auth != nil && auth.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		header = fmt.Sprintf("$h['Authorization'] = 'Basic %s'", token)
	}
	script := fmt.Sprintf(`$svc = Get-Service -Name '%s' -ErrorAction SilentlyContinue
if (-not $svc) { Write-Output 'service=missing'; exit 0 }
Write-Output ("service=" + $svc.Status)
$h = @{}
%s
try {
    $r = Invoke-WebRequest -UseBasicParsing -Uri 'http://127.0.0.1:%d/metrics' -Headers $h -TimeoutSec 10
    Write-Output ("http=" + $r.StatusCode)
} catch {
    Write-Output ("http=" + $_.Exception.Response.StatusCode.value__)
}`, scripts.WindowsService, header, port)

	res, err := w.powershell(ctx, script, w.deps.Config.CommandTimeout)
	if err != nil {
		return err
	}
	vals := parseKeyValues(res.Stdout, "=")
	if status := vals["service"]; status != "Running" {
		return errcode.New(errcode.ValidationFailed, "%s service is %s", scripts.WindowsService, strings.ToLower(status))
	}
	if code := vals["http"]; code != "200" {
		return errcode.New(errcode.ValidationFailed, "metrics endpoint on port %d returned HTTP %s", port, code)
	}
	return nil
}

// RemovalSteps undo the MSI package, web config and service, in install order.
func (w *windowsHost) RemovalSteps() []RemovalStep {
	step := func(name, desc, script string) RemovalStep {
		return RemovalStep{Name: name, Description: desc, Undo: func(ctx context.Context) error {
			res, err := w.powershell(ctx, script, w.deps.Config.CommandTimeout)
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
		step("remove-binary", "Uninstall the partially installed windows_exporter package",
			`$p = Get-CimInstance -ClassName Win32_Product -Filter "Name LIKE 'windows_exporter%'"
if ($p) { Invoke-CimMethod -InputObject $p -MethodName Uninstall | Out-Null }`),
		step("remove-web-config", "Remove windows_exporter web configuration",
			fmt.Sprintf(`Remove-Item -Force -ErrorAction SilentlyContinue '%s\web-config.yml'`, scripts.WindowsInstallDir)),
		step("remove-service", "Stop and delete the windows_exporter service",
			fmt.Sprintf(`Stop-Service -Name '%[1]s' -Force -ErrorAction SilentlyContinue
if (Get-Service -Name '%[1]s' -ErrorAction SilentlyContinue) { sc.exe delete '%[1]s' | Out-Null }
exit 0`, scripts.WindowsService)),
	}
}
