package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/nmslite/agentprov/internal/config"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/installer"
	"github.com/nmslite/agentprov/internal/orchestrator"
	"github.com/nmslite/agentprov/internal/retry"
	"github.com/nmslite/agentprov/internal/scripts"
	"github.com/nmslite/agentprov/internal/transport"
	"github.com/nmslite/agentprov/internal/workpool"
)

// newDriver builds the installation driver and its transports from cfg.
func newDriver(cfg *config.Config, sink events.Sink, logger *slog.Logger) *installer.Driver {
	p := cfg.Provisioning

	var releases *scripts.ReleaseResolver
	if p.Agent.ResolveLatest {
		releases = scripts.NewReleaseResolver(p.Agent.ReleaseAPI, p.Agent.GetReleaseTimeout(), logger)
	}
	builder := scripts.NewBuilder(scripts.Config{
		ResolveLatest:  p.Agent.ResolveLatest,
		DownloadBase:   p.Agent.DownloadBase,
		LinuxRepo:      p.Agent.LinuxRepo,
		LinuxVersion:   p.Agent.LinuxVersion,
		WindowsRepo:    p.Agent.WindowsRepo,
		WindowsVersion: p.Agent.WindowsVersion,
		LinuxPort:      p.Agent.LinuxPort,
		WindowsPort:    p.Agent.WindowsPort,
	}, releases, logger)

	deps := transport.Deps{
		Config: transport.Config{
			ConnectTimeout: p.GetConnectTimeout(),
			CommandTimeout: p.GetCommandTimeout(),
			InstallTimeout: p.GetInstallTimeout(),
			SSHPort:        p.Ports.SSH,
			WinRMPort:      p.Ports.WinRM,
			WinRMTLSPort:   p.Ports.WinRMTLS,
			SMBPort:        p.Ports.SMB,
			KnownHostsFile: p.KnownHostsFile,
			RPCExecBinary:  p.RPCExecBinary,
			WinRMInsecure:  p.WinRMInsecure,
			ChunkSize:      p.UploadChunk,
		},
		Scripts: builder,
		Pool:    workpool.New(p.WorkerPoolSize),
		Sink:    sink,
		Logger:  logger,
	}

	return installer.NewDriver(orchestrator.DefaultPlan(deps), installer.Options{
		RequiredDiskMB: p.RequiredDiskMB,
		ConnectRetry: retry.Policy{
			MaxAttempts:   p.Retry.MaxAttempts,
			InitialDelay:  p.Retry.GetInitialDelay(),
			MaxDelay:      p.Retry.GetMaxDelay(),
			BackoffFactor: p.Retry.BackoffFactor,
			OnlyTransient: true,
		},
		RollbackTimeout: p.GetRollbackTimeout(),
	}, sink, logger)
}

func initLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
