// Package orchestrator selects a transport for a target by trying each
// candidate in priority order until one connects.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/transport"
)

// Factory builds an unconnected session for one transport.
type Factory struct {
	Name string
	New  func(target model.ConnectionTarget) transport.Session
}

// Plan returns the transports to try for an OS family, highest priority first.
type Plan func(os model.OSType) []Factory

// DefaultPlan tries RPC-Exec, Remote-Management and SSH for Windows and SSH
// alone for Linux.
func DefaultPlan(deps transport.Deps) Plan {
	return func(os model.OSType) []Factory {
		switch os {
		case model.OSWindows:
			return []Factory{
				{Name: transport.NameRPCExec, New: func(t model.ConnectionTarget) transport.Session {
					return transport.NewRPCExec(t, deps)
				}},
				{Name: transport.NameRemoteMgmt, New: func(t model.ConnectionTarget) transport.Session {
					return transport.NewRemoteMgmt(t, deps)
				}},
				{Name: transport.NameWindowsSSH, New: func(t model.ConnectionTarget) transport.Session {
					return transport.NewWindowsSSH(t, deps)
				}},
			}
		case model.OSLinux:
			return []Factory{
				{Name: transport.NameLinuxSSH, New: func(t model.ConnectionTarget) transport.Session {
					return transport.NewLinuxSSH(t, deps)
				}},
			}
		}
		return nil
	}
}

// Orchestrator owns the session selected for one installation.
type Orchestrator struct {
	target    model.ConnectionTarget
	factories []Factory
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	attempts []model.AttemptRecord
	active   transport.Session
}

// New creates an orchestrator over factories. Sessions are never tried concurrently.
func New(target model.ConnectionTarget, factories []Factory, sink events.Sink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		target:    target,
		factories: factories,
		sink:      events.OrNop(sink),
		logger:    logger.With(slog.String("component", "orchestrator"), slog.String("host", target.Host)),
		now:       time.Now,
	}
}

// Connect tries each transport in order and adopts the first that connects.
// The attempt list is rebuilt on every call. A single-transport plan returns
// that transport's error unchanged; otherwise exhausting the plan returns
// ALL_METHODS_FAILED.
func (o *Orchestrator) Connect(ctx context.Context) (transport.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return o.active, nil
	}
	o.attempts = nil
	if len(o.factories) == 0 {
		return nil, errcode.New(errcode.ConfigError, "no transport available for %s targets", o.target.OS)
	}

	var lastErr *errcode.Error
	for _, f := range o.factories {
		if err := ctx.Err(); err != nil {
			lastErr = errcode.Classify(err)
			break
		}

		o.sink.Emit("Trying transport", events.LevelInfo, map[string]any{"transport": f.Name})
		o.logger.DebugContext(ctx, "Connecting", slog.String("transport", f.Name))

		session := f.New(o.target)
		err := session.Connect(ctx)
		if err == nil {
			o.record(f.Name, true, "connected", "", "success")
			o.active = session
			o.sink.Emit("Connected", events.LevelSuccess, map[string]any{"transport": f.Name})
			o.logger.InfoContext(ctx, "Transport selected", slog.String("transport", f.Name))
			return session, nil
		}

		// Never keep a half-open session around.
		if derr := session.Disconnect(); derr != nil {
			o.logger.DebugContext(ctx, "Disconnect after failed connect", slog.String("transport", f.Name), slog.Any("error", derr))
		}

		e := errcode.Classify(err)
		lastErr = e
		o.record(f.Name, false, e.Message, string(e.Code), string(e.Category))
		o.sink.Emit("Transport failed", events.LevelWarning, map[string]any{
			"transport": f.Name,
			"code":      string(e.Code),
			"category":  string(e.Category),
			"message":   e.Message,
		})
		o.logger.WarnContext(ctx, "Transport failed",
			slog.String("transport", f.Name),
			slog.String("code", string(e.Code)),
			slog.String("error", e.Message),
		)
	}

	if len(o.factories) == 1 || len(o.attempts) <= 1 {
		return nil, lastErr
	}
	if lastErr != nil && lastErr.Code == errcode.Cancelled {
		return nil, lastErr
	}
	return nil, allFailed(o.attempts)
}

func (o *Orchestrator) record(name string, ok bool, msg, code, category string) {
	o.attempts = append(o.attempts, model.AttemptRecord{
		Transport: name,
		Success:   ok,
		Message:   msg,
		Code:      code,
		Category:  category,
		Timestamp: o.now(),
	})
}

// allFailed aggregates attempts into one actionable error. It is retry
// eligible only when every transport failed on connectivity.
func allFailed(attempts []model.AttemptRecord) *errcode.Error {
	var b strings.Builder
	b.WriteString("all connection methods failed:")
	network := true
	for _, a := range attempts {
		code := errcode.Code(a.Code)
		if code.Category() != errcode.CategoryNetwork {
			network = false
		}
		fmt.Fprintf(&b, "\n- %s: %s (%s); %s", a.Transport, a.Message, a.Code, errcode.Remediation(a.Transport, code))
	}
	return errcode.New(errcode.AllMethodsFailed, "%s", b.String()).WithTransient(network)
}

// Attempts returns a copy of the attempts made by the last Connect.
func (o *Orchestrator) Attempts() []model.AttemptRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.AttemptRecord, len(o.attempts))
	copy(out, o.attempts)
	return out
}

// Active returns the connected session, or nil.
func (o *Orchestrator) Active() transport.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Close disconnects the active session. Further calls do nothing.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	active := o.active
	o.active = nil
	o.mu.Unlock()

	if active == nil {
		return nil
	}
	if err := active.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", active.Name(), err)
	}
	return nil
}
