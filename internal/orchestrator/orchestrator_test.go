package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nmslite/agentprov/internal/errcode"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
	"github.com/nmslite/agentprov/internal/transport"
	"github.com/nmslite/agentprov/internal/transport/transporttest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func factoryFor(s *transporttest.Session) Factory {
	return Factory{Name: s.Name(), New: func(model.ConnectionTarget) transport.Session { return s }}
}

func windowsTarget() model.ConnectionTarget {
	return model.ConnectionTarget{Host: "10.0.0.5", OS: model.OSWindows}
}

func TestConnect_AdoptsFirstSuccess(t *testing.T) {
	for n := 1; n <= 4; n++ {
		for i := 1; i <= n; i++ {
			t.Run(fmt.Sprintf("%d_of_%d", i, n), func(t *testing.T) {
				sessions := make([]*transporttest.Session, n)
				factories := make([]Factory, n)
				for k := range sessions {
					s := &transporttest.Session{TransportName: fmt.Sprintf("t%d", k+1)}
					if k < i-1 {
						s.ConnectErr = errcode.New(errcode.PortClosed, "port closed")
					}
					sessions[k] = s
					factories[k] = factoryFor(s)
				}

				o := New(windowsTarget(), factories, nil, quietLogger())
				got, err := o.Connect(context.Background())
				if err != nil {
					t.Fatalf("Connect: %v", err)
				}
				if got != sessions[i-1] || o.Active() != sessions[i-1] {
					t.Fatalf("active session is not transport %d", i)
				}

				attempts := o.Attempts()
				if len(attempts) != i {
					t.Fatalf("attempts = %d, want %d", len(attempts), i)
				}
				for k, a := range attempts {
					if want := k == i-1; a.Success != want {
						t.Errorf("attempt %d success = %v, want %v", k, a.Success, want)
					}
				}
				for k := i; k < n; k++ {
					if sessions[k].Connects != 0 {
						t.Errorf("transport %d tried after success", k+1)
					}
				}
			})
		}
	}
}

func TestConnect_WindowsFallbackScenario(t *testing.T) {
	rpc := &transporttest.Session{
		TransportName: transport.NameRPCExec,
		ConnectErr:    errcode.New(errcode.AuthFailed, "RPC exec rejected the credentials: STATUS_LOGON_FAILURE"),
	}
	mgmt := &transporttest.Session{
		TransportName: transport.NameRemoteMgmt,
		ConnectErr:    errcode.New(errcode.PortClosed, "connection refused on 10.0.0.5:5985"),
	}
	ssh := &transporttest.Session{TransportName: transport.NameWindowsSSH, OS: model.OSWindows}

	rec := &events.Recorder{}
	o := New(windowsTarget(), []Factory{factoryFor(rpc), factoryFor(mgmt), factoryFor(ssh)}, rec, quietLogger())
	got, err := o.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got.Name() != transport.NameWindowsSSH {
		t.Errorf("transport = %s, want %s", got.Name(), transport.NameWindowsSSH)
	}

	wantCategories := []string{"auth", "network", "success"}
	attempts := o.Attempts()
	if len(attempts) != len(wantCategories) {
		t.Fatalf("attempts = %+v", attempts)
	}
	for i, a := range attempts {
		if a.Category != wantCategories[i] {
			t.Errorf("attempt %d category = %q, want %q", i, a.Category, wantCategories[i])
		}
	}
	if rpc.Connected() || mgmt.Connected() {
		t.Error("failed transports left connected")
	}
	if rec.Count(events.LevelWarning) != 2 {
		t.Errorf("warning events = %d, want 2", rec.Count(events.LevelWarning))
	}
}

func TestConnect_AllMethodsFailed(t *testing.T) {
	tests := []struct {
		name          string
		errs          []*errcode.Error
		wantTransient bool
		hints         []string
	}{
		{
			name: "network only",
			errs: []*errcode.Error{
				errcode.New(errcode.PortClosed, "closed"),
				errcode.New(errcode.Timeout, "timed out"),
				errcode.New(errcode.ConnectionRefused, "refused"),
			},
			wantTransient: true,
			hints:         []string{"445", "winrm quickconfig", "OpenSSH"},
		},
		{
			name: "auth involved",
			errs: []*errcode.Error{
				errcode.New(errcode.AuthFailed, "denied"),
				errcode.New(errcode.PortClosed, "closed"),
				errcode.New(errcode.ConnectionRefused, "refused"),
			},
			hints: []string{"verify the username", "winrm quickconfig", "OpenSSH"},
		},
	}
	names := []string{transport.NameRPCExec, transport.NameRemoteMgmt, transport.NameWindowsSSH}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var factories []Factory
			for i, e := range tt.errs {
				factories = append(factories, factoryFor(&transporttest.Session{TransportName: names[i], ConnectErr: e}))
			}
			o := New(windowsTarget(), factories, nil, quietLogger())

			_, err := o.Connect(context.Background())
			e, ok := errcode.As(err)
			if !ok || e.Code != errcode.AllMethodsFailed {
				t.Fatalf("Connect error = %v, want ALL_METHODS_FAILED", err)
			}
			if e.Transient() != tt.wantTransient {
				t.Errorf("Transient() = %v, want %v", e.Transient(), tt.wantTransient)
			}
			for _, hint := range tt.hints {
				if !strings.Contains(e.Message, hint) {
					t.Errorf("message lacks remediation %q:\n%s", hint, e.Message)
				}
			}
			if len(o.Attempts()) != 3 || o.Active() != nil {
				t.Errorf("attempts = %d, active = %v", len(o.Attempts()), o.Active())
			}
		})
	}
}

func TestConnect_SingleTransportPropagatesItsError(t *testing.T) {
	s := &transporttest.Session{ConnectErr: errcode.New(errcode.AuthFailed, "SSH authentication failed")}
	o := New(model.ConnectionTarget{Host: "10.0.0.7", OS: model.OSLinux}, []Factory{factoryFor(s)}, nil, quietLogger())

	_, err := o.Connect(context.Background())
	if errcode.CodeOf(err) != errcode.AuthFailed {
		t.Fatalf("Connect error = %v, want AUTH_FAILED", err)
	}
}

func TestConnect_NoTransports(t *testing.T) {
	o := New(model.ConnectionTarget{Host: "h", OS: model.OSUnknown}, nil, nil, quietLogger())
	if _, err := o.Connect(context.Background()); errcode.CodeOf(err) != errcode.ConfigError {
		t.Errorf("Connect error = %v, want CONFIG_ERROR", err)
	}
}

func TestConnect_CancelledStopsTrying(t *testing.T) {
	first := &transporttest.Session{TransportName: "a"}
	second := &transporttest.Session{TransportName: "b"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(windowsTarget(), []Factory{factoryFor(first), factoryFor(second)}, nil, quietLogger())
	_, err := o.Connect(ctx)
	if errcode.CodeOf(err) != errcode.Cancelled {
		t.Fatalf("Connect error = %v, want CANCELLED", err)
	}
	if first.Connects+second.Connects != 0 {
		t.Error("transports tried after cancellation")
	}
}

func TestCloseDisconnectsOnce(t *testing.T) {
	s := &transporttest.Session{}
	o := New(model.ConnectionTarget{Host: "h", OS: model.OSLinux}, []Factory{factoryFor(s)}, nil, quietLogger())
	if _, err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Disconnects != 1 {
		t.Errorf("Disconnects = %d, want 1", s.Disconnects)
	}
	if o.Active() != nil {
		t.Error("Active() after Close should be nil")
	}
}

func TestDefaultPlanOrder(t *testing.T) {
	plan := DefaultPlan(transport.Deps{Logger: quietLogger()})

	var got []string
	for _, f := range plan(model.OSWindows) {
		got = append(got, f.Name)
	}
	want := []string{transport.NameRPCExec, transport.NameRemoteMgmt, transport.NameWindowsSSH}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("windows plan = %v, want %v", got, want)
	}

	linux := plan(model.OSLinux)
	if len(linux) != 1 || linux[0].Name != transport.NameLinuxSSH {
		t.Errorf("linux plan = %+v", linux)
	}
	if s := linux[0].New(model.ConnectionTarget{Host: "h"}); s.Name() != transport.NameLinuxSSH {
		t.Errorf("factory built %s", s.Name())
	}
	if plan(model.OSUnknown) != nil {
		t.Error("unknown OS should have no transports")
	}
}
