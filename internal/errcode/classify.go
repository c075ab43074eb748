package errcode

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// FromNetError classifies socket-level failures. It returns nil when err does not
// look like a network error.
func FromNetError(err error) *Error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Wrap(Timeout, err, "DNS lookup for %s timed out", dnsErr.Name)
		}
		return Wrap(DNSError, err, "cannot resolve host %s", dnsErr.Name)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return Wrap(ConnectionRefused, err, "connection refused")
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return Wrap(NetworkUnreachable, err, "network unreachable")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return Wrap(NetworkError, err, "connection reset by peer")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(Timeout, err, "connection timed out")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return Wrap(DNSError, err, "cannot resolve host")
	case strings.Contains(msg, "connection refused"):
		return Wrap(ConnectionRefused, err, "connection refused")
	case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "no route to host"):
		return Wrap(NetworkUnreachable, err, "network unreachable")
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return Wrap(Timeout, err, "connection timed out")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(NetworkError, err, "network error: %v", opErr.Err)
	}
	return nil
}

// FromSSHError classifies failures returned by golang.org/x/crypto/ssh.
func FromSSHError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return Wrap(AuthFailed, err, "SSH authentication failed, check username, password or key")
	case strings.Contains(msg, "host key"), strings.Contains(msg, "knownhosts"):
		return Wrap(HostKeyError, err, "SSH host key verification failed")
	case strings.Contains(msg, "cannot decode encrypted private keys"),
		strings.Contains(msg, "passphrase"),
		strings.Contains(msg, "no key found"):
		return Wrap(AuthMethodUnavailable, err, "private key could not be used")
	}

	if e := FromNetError(err); e != nil {
		return e
	}
	return Wrap(SSHError, err, "SSH protocol error: %v", err)
}

// FromWinRMError classifies failures returned by the WinRM client.
func FromWinRMError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "response error: 401"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "access is denied"):
		return Wrap(AuthFailed, err, "remote management rejected the credentials")
	case strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return Wrap(ConfigError, err, "remote management TLS handshake failed")
	}

	if e := FromNetError(err); e != nil {
		return e
	}
	return Wrap(NetworkError, err, "remote management request failed: %v", err)
}

// Remediation returns an actionable hint for a transport failure.
func Remediation(transport string, code Code) string {
	switch code.Category() {
	case CategoryAuth:
		return "verify the username, password or key and that the account has administrative rights"
	case CategoryConfiguration:
		return "check the provisioner configuration for this transport"
	case CategoryProtocol:
		if code == HostKeyError {
			return "remove the stale host key or verify the host identity"
		}
		return "check the remote SSH server logs"
	}
	switch transport {
	case "windows_rpc_exec":
		return "open SMB port 445 and enable file and printer sharing"
	case "windows_remote_mgmt":
		return "enable remote management (winrm quickconfig) and open port 5985/5986"
	case "windows_ssh":
		return "install and start an OpenSSH server"
	case "linux_ssh":
		return "make sure sshd is running and port 22 is reachable"
	}
	return "check network connectivity to the host"
}
