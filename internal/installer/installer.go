// Package installer drives one agent installation through its pre-flight,
// install and validation states over the transport chosen by the orchestrator.
package installer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/orchestrator"
	"github.com/nmslite/agentprov/internal/retry"
	"github.com/nmslite/agentprov/internal/rollback"
	"github.com/nmslite/agentprov/internal/transport"
)

// State is a step of the installation state machine.
type State string

const (
	StateConnecting              State = "connecting"
	StateValidatingConnection    State = "validating_connection"
	StateDetectingOS             State = "detecting_os"
	StateCheckingDiskSpace       State = "checking_disk_space"
	StateCheckingExistingInstall State = "checking_existing_install"
	StateInstalling              State = "installing"
	StateValidatingInstall       State = "validating_install"
	StateSucceeded               State = "succeeded"
	StateRollingBack             State = "rolling_back"
	StateFailed                  State = "failed"
)

// DefaultRequiredDiskMB is the free space demanded when Options leaves it unset.
const DefaultRequiredDiskMB = 200

const connectionCheck = "agentprov-ok"

// Options configure a Driver.
type Options struct {
	RequiredDiskMB int
	// ConnectRetry wraps the connecting state only.
	ConnectRetry retry.Policy
	// RollbackTimeout bounds the unwind, which runs even when ctx is done.
	RollbackTimeout time.Duration
}

// Driver runs installations. It holds no per-installation state and may be
// used concurrently for different targets.
type Driver struct {
	plan   orchestrator.Plan
	opts   Options
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewDriver creates a driver. A nil sink discards events.
func NewDriver(plan orchestrator.Plan, opts Options, sink events.Sink, logger *slog.Logger) *Driver {
	if opts.RequiredDiskMB <= 0 {
		opts.RequiredDiskMB = DefaultRequiredDiskMB
	}
	if opts.ConnectRetry.MaxAttempts == 0 {
		opts.ConnectRetry = retry.DefaultPolicy()
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		plan:   plan,
		opts:   opts,
		sink:   events.OrNop(sink),
		logger: logger.With(slog.String("component", "installer")),
		now:    time.Now,
	}
}

// run is the state of one installation.
type run struct {
	d      *Driver
	target model.ConnectionTarget
	sink   events.Sink
	logger *slog.Logger
	stack  *rollback.Stack
	result *model.InstallationResult
	state  State
	// orch outlives execute so compensations still have a session.
	orch *orchestrator.Orchestrator
}

// Install provisions the agent on target. It always returns a result; a
// failure is described by result.Error, never by a panic or raw error.
func (d *Driver) Install(ctx context.Context, target model.ConnectionTarget) *model.InstallationResult {
	id := uuid.NewString()
	r := &run{
		d:      d,
		target: target,
		sink:   events.WithFields(d.sink, map[string]any{"installation_id": id, "host": target.Host}),
		logger: d.logger.With(slog.String("installation_id", id), slog.String("host", target.Host)),
		stack:  rollback.New(d.logger),
		result: &model.InstallationResult{
			ID:        id,
			Host:      target.Host,
			OS:        target.OS,
			Profile:   target.Profile,
			Attempts:  []model.AttemptRecord{},
			StartedAt: d.now(),
		},
	}
	if r.result.Profile == "" {
		r.result.Profile = model.ProfileRecommended
	}

	r.logger.InfoContext(ctx, "Installation started",
		slog.String("os", string(target.OS)),
		slog.String("profile", string(r.result.Profile)),
	)

	if err := r.execute(ctx); err != nil {
		r.fail(ctx, err)
	} else {
		r.succeed(ctx)
	}
	if r.orch != nil {
		if err := r.orch.Close(); err != nil {
			r.logger.WarnContext(ctx, "Failed to close session", slog.Any("error", err))
		}
	}
	r.result.FinishedAt = d.now()
	return r.result
}

func (r *run) enter(s State) {
	r.state = s
	r.sink.Emit("Installation state changed", events.LevelDebug, map[string]any{"state": string(s)})
}

func (r *run) execute(ctx context.Context) error {
	if r.target.OS != model.OSLinux && r.target.OS != model.OSWindows {
		return errcode.New(errcode.UnsupportedOS, "unsupported target OS %q", r.target.OS)
	}
	if _, err := model.ParseProfile(string(r.result.Profile)); err != nil {
		return errcode.Wrap(errcode.ConfigError, err, "%v", err)
	}

	orch := orchestrator.New(r.target, r.d.plan(r.target.OS), r.sink, r.logger)
	r.orch = orch

	r.enter(StateConnecting)
	session, err := retry.DoValue(ctx, r.d.opts.ConnectRetry, func(ctx context.Context) (transport.Session, error) {
		s, err := orch.Connect(ctx)
		r.result.Attempts = append(r.result.Attempts, orch.Attempts()...)
		return s, err
	}, func(attempt int, delay time.Duration, err error) {
		r.sink.Emit("Connection failed, retrying", events.LevelWarning, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	})
	if err != nil {
		return err
	}
	r.result.TransportUsed = session.Name()

	r.enter(StateValidatingConnection)
	res, err := session.ExecuteCommand(ctx, "echo "+connectionCheck, false)
	if err != nil {
		return err
	}
	if !res.OK() || !strings.Contains(res.Stdout, connectionCheck) {
		return errcode.New(errcode.NetworkError, "%s session does not execute commands (exit %d)", session.Name(), res.ExitCode)
	}

	r.enter(StateDetectingOS)
	if err := r.detectOS(ctx, session); err != nil {
		return err
	}

	r.enter(StateCheckingDiskSpace)
	if !session.CheckDiskSpace(ctx, r.d.opts.RequiredDiskMB) {
		free := session.OSDetails()["disk_free_mb"]
		return errcode.New(errcode.InsufficientDiskSpace, "%s MB free, %d MB required", free, r.d.opts.RequiredDiskMB)
	}

	r.enter(StateCheckingExistingInstall)
	if session.CheckExistingInstall(ctx) {
		r.sink.Emit("Agent already installed, reinstalling", events.LevelWarning, map[string]any{
			"installed_version": session.InstalledVersion(),
		})
	}

	r.enter(StateInstalling)
	for _, step := range session.RemovalSteps() {
		r.stack.Register(step.Name, step.Undo, step.Description)
	}
	r.sink.Emit("Installing agent", events.LevelInfo, map[string]any{"transport": session.Name()})
	if err := session.Install(ctx, transport.InstallOptions{Profile: r.result.Profile, BasicAuth: r.target.BasicAuth}); err != nil {
		return err
	}

	r.enter(StateValidatingInstall)
	if err := session.ValidateInstall(ctx, r.target.BasicAuth); err != nil {
		return err
	}
	r.result.InstalledVersion = session.InstalledVersion()
	return nil
}

// detectOS aborts only when the host answered with an OS no transport
// supports. A check that cannot run leaves the declared OS in place.
func (r *run) detectOS(ctx context.Context, session transport.Session) error {
	detected, err := session.DetectOS(ctx)
	if err != nil {
		r.sink.Emit("OS detection failed, assuming declared OS", events.LevelWarning, map[string]any{
			"os":    string(r.target.OS),
			"error": err.Error(),
		})
		return nil
	}
	if detected == model.OSUnknown {
		return errcode.New(errcode.UnsupportedOS, "%s reported an unsupported operating system", r.target.Host)
	}
	if detected != r.target.OS {
		return errcode.New(errcode.UnsupportedOS, "target declared as %s but detected %s", r.target.OS, detected)
	}

	data := map[string]any{"os": string(detected)}
	for k, v := range session.OSDetails() {
		data[k] = v
	}
	r.sink.Emit("Operating system detected", events.LevelInfo, data)
	return nil
}

func (r *run) succeed(ctx context.Context) {
	r.stack.Disable()
	r.enter(StateSucceeded)
	r.result.Success = true
	r.sink.Emit("Installation completed", events.LevelSuccess, map[string]any{
		"transport": r.result.TransportUsed,
		"version":   r.result.InstalledVersion,
	})
	r.logger.InfoContext(ctx, "Installation succeeded",
		slog.String("transport", r.result.TransportUsed),
		slog.String("version", r.result.InstalledVersion),
	)
}

func (r *run) fail(ctx context.Context, err error) {
	e := errcode.Classify(err)
	failedIn := r.state

	if r.stack.Len() > 0 {
		r.enter(StateRollingBack)
		r.sink.Emit("Installation failed, rolling back", events.LevelWarning, map[string]any{
			"actions": r.stack.Names(),
		})

		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.d.opts.RollbackTimeout)
		ok, outcomes := r.stack.Unwind(uctx)
		cancel()

		for _, o := range outcomes {
			if o.Err != nil {
				r.sink.Emit("Rollback action failed", events.LevelWarning, map[string]any{"action": o.Name, "error": o.Err.Error()})
				continue
			}
			r.sink.Emit("Rollback action completed", events.LevelInfo, map[string]any{"action": o.Name})
		}
		r.result.RolledBack = ok
		if !ok {
			r.sink.Emit("Rollback incomplete, manual cleanup may be required", events.LevelError, nil)
		}
	}

	r.enter(StateFailed)
	r.result.Success = false
	r.result.Error = &model.ResultError{Code: string(e.Code), Message: e.Message, Category: string(e.Category)}
	r.sink.Emit("Installation failed", events.LevelError, map[string]any{
		"state":    string(failedIn),
		"code":     string(e.Code),
		"category": string(e.Category),
		"message":  e.Message,
	})
	r.logger.ErrorContext(ctx, "Installation failed",
		slog.String("state", string(failedIn)),
		slog.String("error", e.Error()),
	)
}
