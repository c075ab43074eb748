package netdiag

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

type fakeResolver struct {
	addrs []string
	err   error
}

func (f fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return f.addrs, f.err
}

func TestProbe_OpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	res := Probe(context.Background(), "127.0.0.1", port, time.Second)
	if !res.OK() || res.Category != CategorySuccess {
		t.Errorf("Probe(open port) = %+v, want reachable/success", res)
	}
}

func TestProbe_ClosedPortIsRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := Probe(context.Background(), "127.0.0.1", port, time.Second)
	if res.Status != Refused {
		t.Errorf("Status = %v, want %v", res.Status, Refused)
	}
	if res.Category != CategoryRefused {
		t.Errorf("Category = %q, want %q", res.Category, CategoryRefused)
	}
}

func TestProbe_UnresolvableHostFailsBeforeDialing(t *testing.T) {
	dials := 0
	p := &Prober{
		Resolver: fakeResolver{err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dials++
			return nil, errors.New("should not dial")
		},
	}

	res := p.Probe(context.Background(), "nowhere.invalid", 22, time.Second)
	if res.Category != CategoryDNS {
		t.Errorf("Category = %q, want %q", res.Category, CategoryDNS)
	}
	if res.Status != Unreachable {
		t.Errorf("Status = %v, want %v", res.Status, Unreachable)
	}
	if dials != 0 {
		t.Errorf("dialer called %d times, want 0", dials)
	}
}

func TestProbe_DialFailureCategories(t *testing.T) {
	tests := []struct {
		name    string
		dialErr error
		status  Status
		cat     Category
	}{
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, Unreachable, CategoryTimeout},
		{"deadline", context.DeadlineExceeded, Unreachable, CategoryTimeout},
		{"refused text", errors.New("dial tcp 10.0.0.5:445: connect: connection refused"), Refused, CategoryRefused},
		{"unreachable", errors.New("dial tcp 10.0.0.5:445: connect: network is unreachable"), Unreachable, CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Prober{
				Resolver: fakeResolver{addrs: []string{"10.0.0.5"}},
				Dial: func(context.Context, string, string) (net.Conn, error) {
					return nil, tt.dialErr
				},
			}
			res := p.Probe(context.Background(), "host.example", 445, time.Second)
			if res.Status != tt.status || res.Category != tt.cat {
				t.Errorf("Probe = (%v, %q), want (%v, %q)", res.Status, res.Category, tt.status, tt.cat)
			}
			if res.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestProbe_IPLiteralSkipsResolver(t *testing.T) {
	var dialed string
	p := &Prober{
		Resolver: fakeResolver{err: errors.New("resolver must not be used")},
		Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
			dialed = addr
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		},
	}
	res := p.Probe(context.Background(), "10.0.0.5", 5985, time.Second)
	if !res.OK() {
		t.Fatalf("Probe = %+v, want reachable", res)
	}
	if want := net.JoinHostPort("10.0.0.5", strconv.Itoa(5985)); dialed != want {
		t.Errorf("dialed %q, want %q", dialed, want)
	}
}

func TestProbe_TriesEveryResolvedAddress(t *testing.T) {
	unreachable := errors.New("dial tcp [2001:db8::5]:22: connect: network is unreachable")
	refused := errors.New("dial tcp 10.0.0.5:22: connect: connection refused")

	tests := []struct {
		name   string
		errs   map[string]error
		status Status
		cat    Category
	}{
		{"second address accepts", map[string]error{"2001:db8::5": unreachable}, Reachable, CategorySuccess},
		{"refusal wins over unreachable", map[string]error{"2001:db8::5": unreachable, "10.0.0.5": refused}, Refused, CategoryRefused},
		{"all unreachable", map[string]error{"2001:db8::5": unreachable, "10.0.0.5": unreachable}, Unreachable, CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dialed []string
			p := &Prober{
				Resolver: fakeResolver{addrs: []string{"2001:db8::5", "10.0.0.5"}},
				Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
					host, _, _ := net.SplitHostPort(addr)
					dialed = append(dialed, host)
					if err := tt.errs[host]; err != nil {
						return nil, err
					}
					c1, c2 := net.Pipe()
					c2.Close()
					return c1, nil
				},
			}
			res := p.Probe(context.Background(), "dual.example", 22, time.Second)
			if res.Status != tt.status || res.Category != tt.cat {
				t.Errorf("Probe = (%v, %q), want (%v, %q)", res.Status, res.Category, tt.status, tt.cat)
			}
			if len(dialed) != 2 || dialed[0] != "2001:db8::5" {
				t.Errorf("dialed %v, want both addresses in resolver order", dialed)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
