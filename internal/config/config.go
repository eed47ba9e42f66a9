package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen        = ":8005"
	DefaultEnvironment   = "local"
	DefaultBackendURL    = "https://salesapi.gravityer.com/api/v1"
	DefaultLoginPath     = "token/obtain/"
	DefaultTimeout       = 10 * time.Second
	DefaultCodeTTL       = 5 * time.Minute
	DefaultTokenLifetime = 3600
	DefaultLogLevel      = "info"
)

type Config struct {
	Listen      string        `yaml:"listen"`
	Environment string        `yaml:"environment,omitempty"`
	Backend     BackendConfig `yaml:"backend"`
	OAuth       OAuthConfig   `yaml:"oauth"`
	MCP         MCPConfig     `yaml:"mcp,omitempty"`
	History     HistoryConfig `yaml:"history,omitempty"`
	Log         LogConfig     `yaml:"log,omitempty"`
}

type BackendConfig struct {
	BaseURL       string   `yaml:"base_url"`
	LoginPath     string   `yaml:"login_path,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	FallbackToken string   `yaml:"fallback_token,omitempty"`
}

type OAuthConfig struct {
	SecretKey      string   `yaml:"secret_key"`
	CodeTTL        Duration `yaml:"code_ttl,omitempty"`
	TokenExpiresIn int      `yaml:"token_expires_in,omitempty"`
	Issuer         string   `yaml:"issuer,omitempty"`
}

type MCPConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

type HistoryConfig struct {
	DBPath string `yaml:"db_path,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("10s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func Default() *Config {
	return &Config{
		Listen:      DefaultListen,
		Environment: DefaultEnvironment,
		Backend: BackendConfig{
			BaseURL:   DefaultBackendURL,
			LoginPath: DefaultLoginPath,
			Timeout:   Duration(DefaultTimeout),
		},
		OAuth: OAuthConfig{
			CodeTTL:        Duration(DefaultCodeTTL),
			TokenExpiresIn: DefaultTokenLifetime,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("CRMBRIDGE_CONFIG")); envPath != "" {
		return envPath
	}
	return filepath.Join(xdgConfigHome(), "crmbridge", "config.yaml")
}

func DefaultDBPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "crmbridge", "history.db")
	}
	return filepath.Join(homeDir(), ".local", "share", "crmbridge", "history.db")
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func homeDir() string {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home
	}
	return "/tmp/crmbridge-" + strconv.Itoa(os.Getuid())
}

// Read decodes a YAML config on top of Default without validating it, so
// callers can layer flags and environment before Validate. Unknown keys are
// rejected and ${VAR} references in string values are expanded.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.expandEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load is Read followed by Validate.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o600); err != nil {
		return err
	}
	if _, err := Load(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("resulting config is invalid: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Listen = os.ExpandEnv(c.Listen)
	c.Environment = os.ExpandEnv(c.Environment)
	c.Backend.BaseURL = os.ExpandEnv(c.Backend.BaseURL)
	c.Backend.LoginPath = os.ExpandEnv(c.Backend.LoginPath)
	c.Backend.FallbackToken = os.ExpandEnv(c.Backend.FallbackToken)
	c.OAuth.SecretKey = os.ExpandEnv(c.OAuth.SecretKey)
	c.OAuth.Issuer = os.ExpandEnv(c.OAuth.Issuer)
	c.MCP.BaseURL = os.ExpandEnv(c.MCP.BaseURL)
	c.History.DBPath = os.ExpandEnv(c.History.DBPath)
	c.Log.Level = os.ExpandEnv(c.Log.Level)
}

// ApplyDefaults fills zero values left after decoding or flag overrides.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.Backend.LoginPath == "" {
		c.Backend.LoginPath = DefaultLoginPath
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = Duration(DefaultTimeout)
	}
	if c.OAuth.CodeTTL <= 0 {
		c.OAuth.CodeTTL = Duration(DefaultCodeTTL)
	}
	if c.OAuth.TokenExpiresIn <= 0 {
		c.OAuth.TokenExpiresIn = DefaultTokenLifetime
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// SetPort replaces the port of Listen, keeping its host part.
func (c *Config) SetPort(port string) error {
	port = strings.TrimSpace(port)
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	host := ""
	if idx := strings.LastIndex(c.Listen, ":"); idx >= 0 {
		host = c.Listen[:idx]
	}
	c.Listen = host + ":" + port
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.OAuth.SecretKey) == "" {
		return errors.New("config: oauth.secret_key is required")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("config: backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("config: backend.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: backend.base_url %q must be http or https", c.Backend.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: backend.base_url %q has no host", c.Backend.BaseURL)
	}
	if c.Backend.Timeout < 0 {
		return errors.New("config: backend.timeout must not be negative")
	}
	if c.OAuth.CodeTTL < 0 {
		return errors.New("config: oauth.code_ttl must not be negative")
	}
	if c.MCP.BaseURL != "" {
		if _, err := url.Parse(c.MCP.BaseURL); err != nil {
			return fmt.Errorf("config: mcp.base_url: %w", err)
		}
	}
	return nil
}

// LoginURL is the backend credential endpoint used by the OAuth login step.
func (c *Config) LoginURL() string {
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/" + strings.TrimLeft(c.Backend.LoginPath, "/")
}
