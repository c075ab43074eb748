package errcode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/nmslite/agentprov/internal/netdiag"
)

func TestErrorString(t *testing.T) {
	err := New(AuthFailed, "bad password for %s", "admin")
	if got, want := err.Error(), "AUTH_FAILED|bad password for admin|auth"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsThroughWrapping(t *testing.T) {
	inner := New(Timeout, "slow")
	wrapped := fmt.Errorf("connecting: %w", inner)
	if CodeOf(wrapped) != Timeout {
		t.Errorf("CodeOf = %s, want %s", CodeOf(wrapped), Timeout)
	}
	if CodeOf(errors.New("plain")) != UnknownError {
		t.Error("plain error should be UNKNOWN_ERROR")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"cancelled", context.Canceled, Cancelled},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, DNSError},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ConnectionRefused},
		{"unreachable", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, NetworkUnreachable},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), NetworkError},
		{"classified passes through", New(HostKeyError, "x"), HostKeyError},
		{"unknown", errors.New("something odd"), UnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Code; got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromSSHError(t *testing.T) {
	tests := []struct {
		msg  string
		want Code
	}{
		{"ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain", AuthFailed},
		{"ssh: handshake failed: knownhosts: key mismatch", HostKeyError},
		{"ssh: this private key is passphrase protected", AuthMethodUnavailable},
		{"ssh: handshake failed: EOF", SSHError},
		{"dial tcp 10.0.0.5:22: i/o timeout", Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := FromSSHError(errors.New(tt.msg)).Code; got != tt.want {
				t.Errorf("FromSSHError(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func TestFromWinRMError(t *testing.T) {
	tests := []struct {
		msg  string
		want Code
	}{
		{"http response error: 401 - invalid content type", AuthFailed},
		{`Post "http://10.0.0.5:5985/wsman": dial tcp 10.0.0.5:5985: connect: connection refused`, ConnectionRefused},
		{"x509: certificate signed by unknown authority", ConfigError},
		{"http error 500: bad envelope", NetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := FromWinRMError(errors.New(tt.msg)).Code; got != tt.want {
				t.Errorf("FromWinRMError(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func TestFromProbe(t *testing.T) {
	tests := []struct {
		cat  netdiag.Category
		want Code
	}{
		{netdiag.CategoryDNS, DNSError},
		{netdiag.CategoryTimeout, Timeout},
		{netdiag.CategoryRefused, PortClosed},
		{netdiag.CategoryNetwork, NetworkUnreachable},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			res := netdiag.Result{Status: netdiag.Unreachable, Category: tt.cat, Message: "m"}
			e := FromProbe(res, PortClosed)
			if e.Code != tt.want || e.Category != CategoryNetwork {
				t.Errorf("FromProbe(%s) = %s/%s, want %s/network", tt.cat, e.Code, e.Category, tt.want)
			}
		})
	}
	if FromProbe(netdiag.Result{Status: netdiag.Reachable}, PortClosed) != nil {
		t.Error("FromProbe(reachable) should be nil")
	}
}

func TestTransient(t *testing.T) {
	for _, c := range []Code{Timeout, DNSError, ConnectionRefused, NetworkUnreachable, NetworkError, PortClosed} {
		if !c.Transient() {
			t.Errorf("%s should be transient", c)
		}
	}
	for _, c := range []Code{AuthFailed, AuthMethodUnavailable, HostKeyError, SSHError, InstallFailed, AllMethodsFailed} {
		if c.Transient() {
			t.Errorf("%s should not be transient", c)
		}
	}
}
