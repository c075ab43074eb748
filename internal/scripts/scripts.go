// Package scripts builds the provisioning artifacts executed on target hosts.
//
// A Builder resolves the agent version, turns the collector profile into agent
// flags, prepares the optional Basic-Auth web config and renders the Linux shell
// or Windows PowerShell template from a typed TemplateData value.
package scripts

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aymerick/raymond"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/model"
)

//go:embed templates/*.hbs
var templateFS embed.FS

// Agent layout on the targets.
const (
	LinuxService     = "node_exporter"
	LinuxServiceUser = "node_exporter"
	LinuxBinary      = "/usr/local/bin/node_exporter"
	LinuxConfigDir   = "/etc/node_exporter"
	LinuxUnitPath    = "/etc/systemd/system/node_exporter.service"

	WindowsService    = "windows_exporter"
	WindowsInstallDir = `C:\Program Files\windows_exporter`
	WindowsTempDir    = `C:\Windows\Temp`

	DefaultLinuxPort   = 9100
	DefaultWindowsPort = 9182
)

// WindowsScriptPath is where the provisioning script for run id is uploaded.
func WindowsScriptPath(id string) string {
	return WindowsTempDir + `\agentprov-` + id + `.ps1`
}

func init() {
	raymond.RegisterHelper("shq", func(s string) raymond.SafeString {
		return raymond.SafeString(ShellQuote(s))
	})
	raymond.RegisterHelper("psq", func(s string) raymond.SafeString {
		return raymond.SafeString(PSQuote(s))
	})
}

// ShellQuote quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// PSQuote quotes s as a PowerShell single-quoted string.
func PSQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TemplateData is everything a provisioning template may reference.
type TemplateData struct {
	Version        string `handlebars:"version"`
	DownloadURL    string `handlebars:"download_url"`
	ListenPort     int    `handlebars:"listen_port"`
	ServiceName    string `handlebars:"service_name"`
	ServiceUser    string `handlebars:"service_user"`
	BinaryPath     string `handlebars:"binary_path"`
	ConfigDir      string `handlebars:"config_dir"`
	InstallDir     string `handlebars:"install_dir"`
	CollectorFlags string `handlebars:"collector_flags"`
	Collectors     string `handlebars:"collectors"`
	BasicAuth      bool   `handlebars:"basic_auth"`
	WebConfig      string `handlebars:"web_config"`
	RemoteHash     bool   `handlebars:"remote_hash"`
	AuthUser       string `handlebars:"auth_user"`
	AuthPassword   string `handlebars:"auth_password"`
}

// Render executes the template for os with data.
func Render(os model.OSType, data TemplateData) (string, error) {
	var name string
	switch os {
	case model.OSLinux:
		name = "templates/linux_install.sh.hbs"
	case model.OSWindows:
		name = "templates/windows_install.ps1.hbs"
	default:
		return "", fmt.Errorf("no provisioning template for os %q", os)
	}

	src, err := templateFS.ReadFile(name)
	if err != nil {
		return "", err
	}
	tpl, err := raymond.Parse(string(src))
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", name, err)
	}
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return out, nil
}

// Config selects agent releases and ports.
type Config struct {
	ResolveLatest  bool
	DownloadBase   string
	LinuxRepo      string
	LinuxVersion   string
	WindowsRepo    string
	WindowsVersion string
	LinuxPort      int
	WindowsPort    int
}

// DefaultConfig returns the pinned releases used when lookups are disabled or fail.
func DefaultConfig() Config {
	return Config{
		ResolveLatest:  true,
		DownloadBase:   "https://github.com",
		LinuxRepo:      "prometheus/node_exporter",
		LinuxVersion:   "1.8.2",
		WindowsRepo:    "prometheus-community/windows_exporter",
		WindowsVersion: "0.29.2",
		LinuxPort:      DefaultLinuxPort,
		WindowsPort:    DefaultWindowsPort,
	}
}

// Script is a rendered provisioning artifact.
type Script struct {
	OS      model.OSType
	Body    string
	Version string
	Port    int
	// VersionFallback is set when the latest release could not be resolved and
	// the pinned version was used instead.
	VersionFallback bool
	// RemoteHash is set when the Basic-Auth hash is computed on the target.
	RemoteHash bool
}

// Builder renders provisioning scripts.
type Builder struct {
	cfg      Config
	releases *ReleaseResolver
	logger   *slog.Logger
}

// NewBuilder creates a Builder. releases may be nil to always use the pinned versions.
func NewBuilder(cfg Config, releases *ReleaseResolver, logger *slog.Logger) *Builder {
	def := DefaultConfig()
	if cfg.DownloadBase == "" {
		cfg.DownloadBase = def.DownloadBase
	}
	if cfg.LinuxRepo == "" {
		cfg.LinuxRepo = def.LinuxRepo
	}
	if cfg.LinuxVersion == "" {
		cfg.LinuxVersion = def.LinuxVersion
	}
	if cfg.WindowsRepo == "" {
		cfg.WindowsRepo = def.WindowsRepo
	}
	if cfg.WindowsVersion == "" {
		cfg.WindowsVersion = def.WindowsVersion
	}
	if cfg.LinuxPort == 0 {
		cfg.LinuxPort = def.LinuxPort
	}
	if cfg.WindowsPort == 0 {
		cfg.WindowsPort = def.WindowsPort
	}
	return &Builder{cfg: cfg, releases: releases, logger: logger}
}

// Port returns the metrics port of the agent on os.
func (b *Builder) Port(os model.OSType) int {
	if os == model.OSWindows {
		return b.cfg.WindowsPort
	}
	return b.cfg.LinuxPort
}

func (b *Builder) version(ctx context.Context, os model.OSType) (string, bool) {
	repo, pinned := b.cfg.LinuxRepo, b.cfg.LinuxVersion
	if os == model.OSWindows {
		repo, pinned = b.cfg.WindowsRepo, b.cfg.WindowsVersion
	}
	if !b.cfg.ResolveLatest || b.releases == nil {
		return pinned, false
	}
	v, ok := b.releases.Resolve(ctx, repo, pinned)
	return v, !ok
}

// DownloadURL returns the release asset URL. The Linux URL carries an __ARCH__
// placeholder the script replaces after inspecting the target.
func (b *Builder) DownloadURL(os model.OSType, version string) string {
	base := strings.TrimRight(b.cfg.DownloadBase, "/")
	if os == model.OSWindows {
		return fmt.Sprintf("%s/%s/releases/download/v%s/windows_exporter-%s-amd64.msi",
			base, b.cfg.WindowsRepo, version, version)
	}
	return fmt.Sprintf("%s/%s/releases/download/v%s/node_exporter-%s.linux-__ARCH__.tar.gz",
		base, b.cfg.LinuxRepo, version, version)
}

// Build renders the provisioning script for os and profile. Failures are
// *errcode.Error values with CONFIG_ERROR.
func (b *Builder) Build(ctx context.Context, os model.OSType, profile model.Profile, auth *model.BasicAuth) (*Script, error) {
	set, err := profile.Collectors(os)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigError, err, "invalid collector profile")
	}

	version, fallback := b.version(ctx, os)
	data := TemplateData{
		Version:     version,
		DownloadURL: b.DownloadURL(os, version),
		ListenPort:  b.Port(os),
	}
	script := &Script{OS: os, Version: version, Port: data.ListenPort, VersionFallback: fallback}

	if os == model.OSWindows {
		data.ServiceName = WindowsService
		data.InstallDir = WindowsInstallDir
		data.Collectors = WindowsCollectors(set)
	} else {
		data.ServiceName = LinuxService
		data.ServiceUser = LinuxServiceUser
		data.BinaryPath = LinuxBinary
		data.ConfigDir = LinuxConfigDir
		data.CollectorFlags = strings.Join(LinuxFlags(set), " ")
	}

	if auth != nil && auth.Username != "" {
		data.BasicAuth = true
		hash, err := HashPassword(auth.Password)
		switch {
		case err == nil:
			cfg, err := WebConfig(auth.Username, hash)
			if err != nil {
				return nil, errcode.Wrap(errcode.ConfigError, err, "cannot build web config")
			}
			data.WebConfig = cfg
		case os == model.OSLinux && auth.Password != "":
			b.logger.WarnContext(ctx, "Local password hashing failed, hashing on target",
				slog.String("error", err.Error()))
			data.RemoteHash = true
			data.AuthUser = auth.Username
			data.AuthPassword = auth.Password
			script.RemoteHash = true
		default:
			return nil, errcode.Wrap(errcode.ConfigError, err, "cannot hash basic auth password")
		}
	}

	body, err := Render(os, data)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigError, err, "cannot render provisioning script")
	}
	script.Body = body
	return script, nil
}
