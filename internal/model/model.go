// Package model holds the request-scoped types shared by the provisioning packages.
package model

import (
	"fmt"
	"strings"
	"time"
)

// OSType is the operating-system family of a target host.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSWindows OSType = "windows"
	OSUnknown OSType = "unknown"
)

// ParseOSType maps a loose OS string onto a known family.
func ParseOSType(s string) OSType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux":
		return OSLinux
	case "windows", "win", "windows_nt":
		return OSWindows
	default:
		return OSUnknown
	}
}

// BasicAuth holds credentials protecting the installed agent's metrics endpoint.
type BasicAuth struct {
	Username string `json:"user"`
	Password string `json:"password"`
}

// Credentials is the login material for the target host.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string // PEM encoded key material
	Passphrase string
}

// Ports holds per-transport port overrides. Zero means "use the configured default".
type Ports struct {
	SSH   int
	WinRM int
	SMB   int
}

// ConnectionTarget describes one host to install onto. It is never mutated during an attempt.
type ConnectionTarget struct {
	Host        string
	Domain      string
	OS          OSType
	Credentials Credentials
	Ports       Ports
	UseTLS      bool
	Profile     Profile
	BasicAuth   *BasicAuth
}

// Address returns host:port suitable for net.Dial.
func (t ConnectionTarget) Address(port int) string {
	if strings.Contains(t.Host, ":") && !strings.HasPrefix(t.Host, "[") {
		return fmt.Sprintf("[%s]:%d", t.Host, port)
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// QualifiedUser returns DOMAIN\user when a domain is set.
func (t ConnectionTarget) QualifiedUser() string {
	if t.Domain == "" {
		return t.Credentials.Username
	}
	return t.Domain + `\` + t.Credentials.Username
}

// AttemptRecord is one transport connection attempt. Records are append-only.
type AttemptRecord struct {
	Transport string    `json:"transport"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultError is the boundary rendering of a terminal error.
type ResultError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// InstallationResult is the outcome of one installation attempt.
type InstallationResult struct {
	ID               string          `json:"id"`
	Host             string          `json:"host"`
	OS               OSType          `json:"os_type"`
	Success          bool            `json:"success"`
	TransportUsed    string          `json:"transport_used,omitempty"`
	InstalledVersion string          `json:"installed_version,omitempty"`
	Profile          Profile         `json:"collector_profile"`
	Attempts         []AttemptRecord `json:"attempts"`
	Error            *ResultError    `json:"error,omitempty"`
	// RolledBack is set only when every compensation succeeded.
	RolledBack       bool            `json:"rolled_back,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}
