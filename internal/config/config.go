package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WildcardPort in a port list matches every port. It is written as the
// string "*" in the configuration file.
const WildcardPort = 0

// ProxyConfig holds the listener settings.
type ProxyConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	ShutdownGraceSeconds int    `json:"shutdown_grace_seconds,omitempty"`
}

// TargetConfig selects which CONNECT targets are intercepted. Domains are
// substring patterns; ports may contain "*" to match any port.
type TargetConfig struct {
	Domains []string `json:"domains"`
	Ports   PortList `json:"ports"`
}

// CertificatesConfig points at the persistent CA material.
type CertificatesConfig struct {
	CACert string `json:"ca_cert"`
	CAKey  string `json:"ca_key"`
}

// DomainLogsConfig controls the per-domain exchange logs. Body limits use
// -1 for full capture, 0 for none, and a positive value for truncation.
type DomainLogsConfig struct {
	Enabled           bool   `json:"enabled"`
	Format            string `json:"format,omitempty"`
	RequestBodyLimit  int64  `json:"request_body_limit"`
	ResponseBodyLimit int64  `json:"response_body_limit"`
}

// LoggingConfig covers both the program log and the domain logs.
type LoggingConfig struct {
	Level      string           `json:"level,omitempty"`
	Output     string           `json:"output,omitempty"`
	LogDir     string           `json:"log_dir,omitempty"`
	ProgramLog string           `json:"program_log,omitempty"`
	DomainLogs DomainLogsConfig `json:"domain_logs"`
}

// UpstreamConfig tunes how origin connections are made.
type UpstreamConfig struct {
	DNSServer            string `json:"dns_server,omitempty"`
	HeaderTimeoutSeconds int    `json:"header_timeout_seconds,omitempty"`
	TotalTimeoutSeconds  int    `json:"total_timeout_seconds,omitempty"`
}

// Config is the resolved configuration consumed by the proxy core.
type Config struct {
	Proxy        ProxyConfig        `json:"proxy"`
	Target       TargetConfig       `json:"target"`
	Certificates CertificatesConfig `json:"certificates"`
	Logging      LoggingConfig      `json:"logging"`
	Upstream     UpstreamConfig     `json:"upstream"`
}

// PortList accepts both JSON numbers and the string "*" (stored as
// WildcardPort).
type PortList []int

func (p *PortList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ports := make([]int, 0, len(raw))
	for _, item := range raw {
		var n int
		if err := json.Unmarshal(item, &n); err == nil {
			ports = append(ports, n)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("invalid port entry %s", item)
		}
		if s == "*" {
			ports = append(ports, WildcardPort)
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port entry %q", s)
		}
		ports = append(ports, n)
	}
	*p = ports
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = "127.0.0.1"
	}
	if c.Proxy.ShutdownGraceSeconds == 0 {
		c.Proxy.ShutdownGraceSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.LogDir == "" {
		c.Logging.LogDir = "logs"
	}
	if c.Logging.ProgramLog == "" {
		c.Logging.ProgramLog = "httpscope.log"
	}
	if c.Logging.DomainLogs.Format == "" {
		c.Logging.DomainLogs.Format = "{date}_{domain}.log"
	}
	if c.Upstream.HeaderTimeoutSeconds == 0 {
		c.Upstream.HeaderTimeoutSeconds = 30
	}
	if c.Upstream.TotalTimeoutSeconds == 0 {
		c.Upstream.TotalTimeoutSeconds = 300
	}
}

var validLevels = []string{"error", "warn", "info", "debug", "trace"}

// Validate checks the configuration for errors that must abort startup.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 1 and 65535, got %d", c.Proxy.Port)
	}
	for _, p := range c.Target.Ports {
		if p != WildcardPort && (p < 1 || p > 65535) {
			return fmt.Errorf("target.ports entry %d out of range", p)
		}
	}
	if c.Certificates.CACert == "" || c.Certificates.CAKey == "" {
		return fmt.Errorf("certificates.ca_cert and certificates.ca_key are required")
	}
	valid := false
	for _, l := range validLevels {
		if c.Logging.Level == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid logging.level %q, must be one of: %s",
			c.Logging.Level, strings.Join(validLevels, ", "))
	}
	if c.Logging.Output != "stdout" && c.Logging.Output != "file" {
		return fmt.Errorf("invalid logging.output %q, must be stdout or file", c.Logging.Output)
	}
	if c.Logging.DomainLogs.Enabled && !strings.Contains(c.Logging.DomainLogs.Format, "{domain}") {
		return fmt.Errorf("logging.domain_logs.format must contain {domain}")
	}
	if c.Logging.DomainLogs.RequestBodyLimit < -1 {
		return fmt.Errorf("logging.domain_logs.request_body_limit must be >= -1")
	}
	if c.Logging.DomainLogs.ResponseBodyLimit < -1 {
		return fmt.Errorf("logging.domain_logs.response_body_limit must be >= -1")
	}
	return nil
}
