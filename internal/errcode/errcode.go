// Package errcode defines the structured error taxonomy surfaced by the provisioning core.
//
// Every error that leaves a transport session is an *Error. Its string form is
// CODE|message|category so that log lines and API payloads stay greppable.
package errcode

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a failure kind at the API boundary.
type Code string

const (
	AuthFailed            Code = "AUTH_FAILED"
	AuthMethodUnavailable Code = "AUTH_METHOD_UNAVAILABLE"
	HostKeyError          Code = "HOSTKEY_ERROR"
	SSHError              Code = "SSH_ERROR"
	Timeout               Code = "TIMEOUT"
	DNSError              Code = "DNS_ERROR"
	ConnectionRefused     Code = "CONNECTION_REFUSED"
	NetworkUnreachable    Code = "NETWORK_UNREACHABLE"
	NetworkError          Code = "NETWORK_ERROR"
	PortClosed            Code = "PORT_CLOSED"
	AllMethodsFailed      Code = "ALL_METHODS_FAILED"
	UnknownError          Code = "UNKNOWN_ERROR"

	InsufficientDiskSpace Code = "INSUFFICIENT_DISK_SPACE"
	UnsupportedOS         Code = "UNSUPPORTED_OS"
	InstallFailed         Code = "INSTALL_FAILED"
	ValidationFailed      Code = "VALIDATION_FAILED"
	ConfigError           Code = "CONFIG_ERROR"
	Cancelled             Code = "CANCELLED"
)

// Category groups codes for UI display.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryNetwork       Category = "network"
	CategoryProtocol      Category = "protocol"
	CategoryInstallation  Category = "installation"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

var categories = map[Code]Category{
	AuthFailed:            CategoryAuth,
	AuthMethodUnavailable: CategoryAuth,
	HostKeyError:          CategoryProtocol,
	SSHError:              CategoryProtocol,
	Timeout:               CategoryNetwork,
	DNSError:              CategoryNetwork,
	ConnectionRefused:     CategoryNetwork,
	NetworkUnreachable:    CategoryNetwork,
	NetworkError:          CategoryNetwork,
	PortClosed:            CategoryNetwork,
	AllMethodsFailed:      CategoryNetwork,
	InsufficientDiskSpace: CategoryInstallation,
	UnsupportedOS:         CategoryInstallation,
	InstallFailed:         CategoryInstallation,
	ValidationFailed:      CategoryInstallation,
	ConfigError:           CategoryConfiguration,
	Cancelled:             CategoryUnknown,
	UnknownError:          CategoryUnknown,
}

// Category returns the UI grouping of the code.
func (c Code) Category() Category {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return CategoryUnknown
}

// Transient reports whether a failure with this code may succeed on a later attempt.
// Only connectivity failures qualify; authentication and protocol failures never do.
func (c Code) Transient() bool {
	switch c {
	case Timeout, DNSError, ConnectionRefused, NetworkUnreachable, NetworkError, PortClosed:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Code     Code
	Message  string
	Category Category
	Err      error

	// transient overrides Code.Transient when set. Used by ALL_METHODS_FAILED,
	// whose retry eligibility depends on the attempts it aggregates.
	transient *bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s|%s|%s", e.Code, e.Message, e.Category)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry may help.
func (e *Error) Transient() bool {
	if e.transient != nil {
		return *e.transient
	}
	return e.Code.Transient()
}

// WithTransient returns a copy of e with an explicit retry eligibility.
func (e *Error) WithTransient(v bool) *Error {
	cp := *e
	cp.transient = &v
	return &cp
}

// New builds an Error with the default category of code.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Category: code.Category(),
	}
}

// Wrap builds an Error carrying err as its cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Err = err
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or UNKNOWN_ERROR when err is unclassified.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return UnknownError
}

// Classify converts any error into an *Error. Already classified errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, err, "operation cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, err, "operation timed out")
	}
	if e := FromNetError(err); e != nil {
		return e
	}
	return Wrap(UnknownError, err, "%v", err)
}
