// Package netdiag probes TCP reachability and classifies why a port cannot be reached.
package netdiag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Status is the coarse outcome of a probe.
type Status int

const (
	Reachable Status = iota
	Refused
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Refused:
		return "refused"
	default:
		return "unreachable"
	}
}

// Category tags a probe outcome for diagnostics.
type Category string

const (
	CategorySuccess Category = "success"
	CategoryDNS     Category = "dns"
	CategoryTimeout Category = "timeout"
	CategoryRefused Category = "refused"
	CategoryNetwork Category = "network"
)

// Result describes one probe.
type Result struct {
	Host     string
	Port     int
	Status   Status
	Category Category
	Message  string
	Latency  time.Duration
	Err      error
}

// OK reports whether the port accepted a connection.
func (r Result) OK() bool {
	return r.Status == Reachable
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialFunc opens a connection. (*net.Dialer).DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober runs TCP probes.
type Prober struct {
	Resolver Resolver
	Dial     DialFunc
}

// NewProber returns a prober backed by the system resolver and dialer.
func NewProber() *Prober {
	d := &net.Dialer{}
	return &Prober{
		Resolver: net.DefaultResolver,
		Dial:     d.DialContext,
	}
}

var defaultProber = NewProber()

// Probe checks host:port with the default prober.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) Result {
	return defaultProber.Probe(ctx, host, port, timeout)
}

// Probe resolves host, then opens and immediately closes a TCP connection to port
// on the first address that accepts one. Resolution failures are reported as
// CategoryDNS without dialing.
func (p *Prober) Probe(ctx context.Context, host string, port int, timeout time.Duration) Result {
	res := Result{Host: host, Port: port}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := strings.Trim(host, "[]")
	addrs := []string{addr}
	if net.ParseIP(addr) == nil {
		var err error
		addrs, err = p.Resolver.LookupHost(ctx, addr)
		if err != nil || len(addrs) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %s", addr)
			}
			res.Status = Unreachable
			res.Err = err
			if isTimeout(err) {
				res.Category = CategoryTimeout
				res.Message = fmt.Sprintf("DNS lookup for %s timed out after %v", host, timeout)
			} else {
				res.Category = CategoryDNS
				res.Message = fmt.Sprintf("cannot resolve host %s", host)
			}
			res.Latency = time.Since(start)
			return res
		}
	}

	conn, err := p.dialAny(ctx, addrs, port)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		res.Status, res.Category = classifyDialError(err)
		res.Message = describe(host, port, timeout, res.Category, err)
		return res
	}
	conn.Close()

	res.Status = Reachable
	res.Category = CategorySuccess
	res.Message = fmt.Sprintf("%s:%d is reachable (%v)", host, port, res.Latency.Round(time.Millisecond))
	return res
}

// dialAny tries addrs in order, each with an equal share of the time left. When
// all fail, a refusal is reported over other errors since it proves the host
// is up; otherwise the last error is.
func (p *Prober) dialAny(ctx context.Context, addrs []string, port int) (net.Conn, error) {
	var lastErr, refused error
	for i, a := range addrs {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if deadline, ok := ctx.Deadline(); ok {
			actx, cancel = context.WithTimeout(ctx, time.Until(deadline)/time.Duration(len(addrs)-i))
		}
		conn, err := p.Dial(actx, "tcp", net.JoinHostPort(a, strconv.Itoa(port)))
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if st, _ := classifyDialError(err); st == Refused && refused == nil {
			refused = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if refused != nil {
		return nil, refused
	}
	return nil, lastErr
}

func classifyDialError(err error) (Status, Category) {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return Unreachable, CategoryDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return Refused, CategoryRefused
	case isTimeout(err):
		return Unreachable, CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") {
		return Refused, CategoryRefused
	}
	return Unreachable, CategoryNetwork
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func describe(host string, port int, timeout time.Duration, cat Category, err error) string {
	switch cat {
	case CategoryRefused:
		return fmt.Sprintf("host %s is up but port %d is closed (connection refused)", host, port)
	case CategoryTimeout:
		return fmt.Sprintf("no response from %s:%d within %v", host, port, timeout)
	case CategoryDNS:
		return fmt.Sprintf("cannot resolve host %s", host)
	default:
		return fmt.Sprintf("cannot reach %s:%d: %v", host, port, err)
	}
}
