// Package config provides configuration parsing and validation for socks5d.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents socks5d's complete runtime configuration, populated
// from defaults, an optional YAML file (-c), and finally CLI flags, in
// that order of increasing precedence (mirrors the teacher's layered
// config philosophy at a much smaller scale).
type Config struct {
	// ListenIP/ListenPort form the TCP address the SOCKS5 daemon accepts
	// clients on (§6: -i, default 0.0.0.0; -p, default 1080).
	ListenIP   string `yaml:"listen_ip"`
	ListenPort int    `yaml:"listen_port"`

	// AuthUser/AuthPass configure username/password authentication
	// (§4.3, §6: -u/-P). Both must be set or both unset.
	AuthUser string `yaml:"auth_user"`
	AuthPass string `yaml:"auth_pass"`

	// AuthOnce enables the auth-once allowlist (§4.3, §6: -1). Requires
	// AuthUser/AuthPass.
	AuthOnce bool `yaml:"auth_once"`

	// UDPEnabled controls whether UDP ASSOCIATE is served.
	UDPEnabled bool `yaml:"udp_enabled"`

	// Quiet raises the log level to warn and turns off the traffic
	// summary line (§6: -q). Warnings such as accept failures still log.
	Quiet bool `yaml:"quiet"`

	// LogLevel/LogFormat configure internal/logging.NewLogger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr, if non-empty, serves Prometheus /metrics on this
	// address (§6: --metrics-addr). Off by default.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with the §6 CLI defaults.
func Default() *Config {
	return &Config{
		ListenIP:   "0.0.0.0",
		ListenPort: 1080,
		UDPEnabled: true,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// ListenAddress returns the net.Listen-ready "host:port" address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenIP, strconv.Itoa(c.ListenPort))
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from defaults and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values, so a committed config.yaml can keep auth_pass out of version
// control (e.g. auth_pass: "${SOCKS5D_AUTH_PASS}").
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate enforces §4.3's both-or-neither and auth-once-requires-creds
// rules, plus the CLI-surface constraints from §6.
func (c *Config) Validate() error {
	var errs []string

	hasUser := c.AuthUser != ""
	hasPass := c.AuthPass != ""
	if hasUser != hasPass {
		errs = append(errs, "auth_user and auth_pass must both be set or both be empty")
	}
	if c.AuthOnce && !hasUser {
		errs = append(errs, "auth_once requires auth_user and auth_pass")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, "listen_port must be between 1 and 65535")
	}
	if c.ListenIP != "" && net.ParseIP(c.ListenIP) == nil {
		errs = append(errs, fmt.Sprintf("listen_ip is not a valid IP address: %s", c.ListenIP))
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics_addr: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config with the password
// redacted, safe to log.
func (c *Config) String() string {
	redacted := *c
	if redacted.AuthPass != "" {
		redacted.AuthPass = redactedValue
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"
