package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Provisioning
	if p.RequiredDiskMB != 200 {
		t.Errorf("RequiredDiskMB = %d, want 200", p.RequiredDiskMB)
	}
	if p.Retry.MaxAttempts != 3 || p.Retry.GetInitialDelay() != 2*time.Second || p.Retry.GetMaxDelay() != 10*time.Second {
		t.Errorf("retry = %+v", p.Retry)
	}
	if p.Ports.SMB != 445 || p.Ports.WinRM != 5985 || p.Ports.WinRMTLS != 5986 {
		t.Errorf("ports = %+v", p.Ports)
	}
	if p.Agent.LinuxVersion != "1.8.2" || p.Agent.WindowsVersion != "0.29.2" {
		t.Errorf("agent = %+v", p.Agent)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
logging:
  level: debug
provisioning:
  required_disk_mb: 500
  retry:
    max_attempts: 5
  agent:
    resolve_latest: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provisioning.RequiredDiskMB != 500 || cfg.Provisioning.Retry.MaxAttempts != 5 {
		t.Errorf("provisioning = %+v", cfg.Provisioning)
	}
	if cfg.Provisioning.Retry.BackoffFactor != 2 {
		t.Errorf("unset backoff factor lost its default: %v", cfg.Provisioning.Retry.BackoffFactor)
	}
	if cfg.Provisioning.Agent.ResolveLatest {
		t.Error("resolve_latest should be false")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROV_SERVER_PORT", "7000")
	t.Setenv("PROV_AUTH_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("PROV_DATABASE_ENABLED", "true")
	t.Setenv("PROV_PROVISIONING_RPC_EXEC_BINARY", "/opt/wmiexec")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 32) {
		t.Error("jwt secret not overridden")
	}
	if !cfg.Database.Enabled {
		t.Error("database not enabled")
	}
	if cfg.Provisioning.RPCExecBinary != "/opt/wmiexec" {
		t.Errorf("rpc exec binary = %q", cfg.Provisioning.RPCExecBinary)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "bad yaml", body: "server: [", want: "failed to parse"},
		{name: "bad log level", body: "logging:\n  level: loud\n", want: "logging.level"},
		{name: "zero attempts", body: "provisioning:\n  retry:\n    max_attempts: 0\n", want: "max_attempts"},
		{name: "port out of range", body: "provisioning:\n  ports:\n    smb: 70000\n", want: "smb"},
		{name: "bad env int", env: map[string]string{"PROV_SERVER_PORT": "http"}, want: "PROV_SERVER_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: true},
		{name: "short secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: true},
		{name: "default password", mutate: func(c *Config) { c.Auth.AdminPassword = "changeme" }, wantErr: true},
		{name: "database without name", mutate: func(c *Config) { c.Database.Enabled = true; c.Database.DBName = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = strings.Repeat("k", 40)
			cfg.Auth.AdminPassword = "s3cret-pass"
			tt.mutate(cfg)
			if err := cfg.ValidateServer(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateServer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "prov", SSLMode: "disable"}
	dsn := d.GetDSN()
	for _, part := range []string{"host=db", "dbname=prov", "pool_max_conns=1"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN %q lacks %q", dsn, part)
		}
	}
}
