// Package config
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROV_"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	CORS         CORSConfig         `yaml:"cors"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type DatabaseConfig struct {
	// Enabled selects PostgreSQL for installation history; otherwise it is kept in memory.
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ProvisioningConfig struct {
	ConnectTimeoutMS  int `yaml:"connect_timeout_ms"`
	CommandTimeoutMS  int `yaml:"command_timeout_ms"`
	// InstallTimeoutMS bounds the provisioning script, which downloads the agent.
	InstallTimeoutMS  int `yaml:"install_timeout_ms"`
	RollbackTimeoutMS int `yaml:"rollback_timeout_ms"`
	RequiredDiskMB    int `yaml:"required_disk_mb"`
	WorkerPoolSize    int `yaml:"worker_pool_size"`

	Retry RetryConfig `yaml:"retry"`
	Ports PortsConfig `yaml:"ports"`

	KnownHostsFile string `yaml:"known_hosts_file"`
	RPCExecBinary  string `yaml:"rpc_exec_binary"`
	WinRMInsecure  bool   `yaml:"winrm_insecure"`
	UploadChunk    int    `yaml:"upload_chunk_size"`

	Agent AgentConfig `yaml:"agent"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

type PortsConfig struct {
	SSH      int `yaml:"ssh"`
	WinRM    int `yaml:"winrm"`
	WinRMTLS int `yaml:"winrm_tls"`
	SMB      int `yaml:"smb"`
}

type AgentConfig struct {
	ResolveLatest  bool   `yaml:"resolve_latest"`
	ReleaseAPI     string `yaml:"release_api"`
	ReleaseTimeout int    `yaml:"release_timeout_ms"`
	DownloadBase   string `yaml:"download_base"`
	LinuxRepo      string `yaml:"linux_repo"`
	LinuxVersion   string `yaml:"linux_version"`
	LinuxPort      int    `yaml:"linux_port"`
	WindowsRepo    string `yaml:"windows_repo"`
	WindowsVersion string `yaml:"windows_version"`
	WindowsPort    int    `yaml:"windows_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeoutMS:  15000,
			WriteTimeoutMS: 15 * 60 * 1000,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAgeSeconds:  300,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "agentprov",
			DBName:   "agentprov",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Auth: AuthConfig{
			AdminUsername:  "admin",
			JWTExpiryHours: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Provisioning: ProvisioningConfig{
			ConnectTimeoutMS:  10000,
			CommandTimeoutMS:  60000,
			InstallTimeoutMS:  600000,
			RollbackTimeoutMS: 300000,
			RequiredDiskMB:    200,
			WorkerPoolSize:    16,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialDelayMS: 2000,
				MaxDelayMS:     10000,
				BackoffFactor:  2,
			},
			Ports: PortsConfig{
				SSH:      22,
				WinRM:    5985,
				WinRMTLS: 5986,
				SMB:      445,
			},
			RPCExecBinary: "impacket-wmiexec",
			WinRMInsecure: true,
			UploadChunk:   2000,
			Agent: AgentConfig{
				ResolveLatest:  true,
				ReleaseAPI:     "https://api.github.com",
				ReleaseTimeout: 10000,
				DownloadBase:   "https://github.com",
				LinuxRepo:      "prometheus/node_exporter",
				LinuxVersion:   "1.8.2",
				LinuxPort:      9100,
				WindowsRepo:    "prometheus-community/windows_exporter",
				WindowsVersion: "0.29.2",
				WindowsPort:    9182,
			},
		},
	}
}

// Load reads an optional .env file, overlays the YAML file at configPath on
// Default and applies PROV_* environment overrides. An empty configPath uses
// the defaults alone.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the values every command needs.
func (c *Config) Validate() error {
	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	p := c.Provisioning
	if p.ConnectTimeoutMS <= 0 || p.CommandTimeoutMS <= 0 || p.InstallTimeoutMS <= 0 {
		return errors.New("provisioning timeouts must be positive")
	}
	if p.RequiredDiskMB < 0 {
		return errors.New("provisioning.required_disk_mb must not be negative")
	}
	if p.Retry.MaxAttempts < 1 {
		return errors.New("provisioning.retry.max_attempts must be at least 1")
	}
	if p.Retry.BackoffFactor < 1 {
		return errors.New("provisioning.retry.backoff_factor must be at least 1")
	}
	if p.Retry.MaxDelayMS < p.Retry.InitialDelayMS {
		return errors.New("provisioning.retry.max_delay_ms must not be below initial_delay_ms")
	}
	for name, port := range map[string]int{
		"ssh": p.Ports.SSH, "winrm": p.Ports.WinRM, "winrm_tls": p.Ports.WinRMTLS, "smb": p.Ports.SMB,
		"agent.linux_port": p.Agent.LinuxPort, "agent.windows_port": p.Agent.WindowsPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("provisioning port %s=%d is out of range", name, port)
		}
	}
	return nil
}

// ValidateServer additionally checks what the HTTP server needs.
func (c *Config) ValidateServer() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%sAUTH_JWT_SECRET is required (minimum 32 characters)", EnvPrefix)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 characters")
	}
	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("%sAUTH_ADMIN_PASSWORD must be set to a strong password", EnvPrefix)
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		return errors.New("database host and dbname are required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"SERVER_HOST":                   &cfg.Server.Host,
		"DATABASE_HOST":                 &cfg.Database.Host,
		"DATABASE_USER":                 &cfg.Database.User,
		"DATABASE_PASSWORD":             &cfg.Database.Password,
		"DATABASE_NAME":                 &cfg.Database.DBName,
		"AUTH_ADMIN_USERNAME":           &cfg.Auth.AdminUsername,
		"AUTH_ADMIN_PASSWORD":           &cfg.Auth.AdminPassword,
		"AUTH_JWT_SECRET":               &cfg.Auth.JWTSecret,
		"LOG_LEVEL":                     &cfg.Logging.Level,
		"LOG_FORMAT":                    &cfg.Logging.Format,
		"PROVISIONING_KNOWN_HOSTS_FILE": &cfg.Provisioning.KnownHostsFile,
		"PROVISIONING_RPC_EXEC_BINARY":  &cfg.Provisioning.RPCExecBinary,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":                   &cfg.Server.Port,
		"DATABASE_PORT":                 &cfg.Database.Port,
		"PROVISIONING_REQUIRED_DISK_MB": &cfg.Provisioning.RequiredDiskMB,
		"PROVISIONING_WORKER_POOL_SIZE": &cfg.Provisioning.WorkerPoolSize,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, key, v, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"DATABASE_ENABLED":            &cfg.Database.Enabled,
		"PROVISIONING_RESOLVE_LATEST": &cfg.Provisioning.Agent.ResolveLatest,
		"PROVISIONING_WINRM_INSECURE": &cfg.Provisioning.WinRMInsecure,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, key, v, err)
			}
			*dst = b
		}
	}
	return nil
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns host:port for the listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the PostgreSQL connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode, max(d.MaxConns, 1),
	)
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (p *ProvisioningConfig) GetConnectTimeout() time.Duration  { return ms(p.ConnectTimeoutMS) }
func (p *ProvisioningConfig) GetCommandTimeout() time.Duration  { return ms(p.CommandTimeoutMS) }
func (p *ProvisioningConfig) GetInstallTimeout() time.Duration  { return ms(p.InstallTimeoutMS) }
func (p *ProvisioningConfig) GetRollbackTimeout() time.Duration { return ms(p.RollbackTimeoutMS) }

func (r *RetryConfig) GetInitialDelay() time.Duration { return ms(r.InitialDelayMS) }
func (r *RetryConfig) GetMaxDelay() time.Duration     { return ms(r.MaxDelayMS) }

func (a *AgentConfig) GetReleaseTimeout() time.Duration { return ms(a.ReleaseTimeout) }
