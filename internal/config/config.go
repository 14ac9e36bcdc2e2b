package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeMultiTenant = "multi-tenant"
	ModeLegacy      = "legacy"
)

// Duration is a time.Duration written as a Go duration string ("10s") in
// config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type LegacyConfig struct {
	// SecretHash is the bcrypt hash of the shared webhook secret.
	SecretHash string `json:"secretHash" yaml:"secretHash"`
}

type MonitorConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
}

type RetentionConfig struct {
	// EventMaxAge bounds how long session event log rows are kept.
	EventMaxAge Duration `json:"eventMaxAge" yaml:"eventMaxAge"`
}

type NotificationsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Webhook string `json:"webhook" yaml:"webhook"`
	NtfyURL string `json:"ntfy" yaml:"ntfy"`
}

type TLSConfig struct {
	Mode     string `json:"mode" yaml:"mode"`         // "self-signed", "autocert", "manual", or "" (disabled)
	Domain   string `json:"domain" yaml:"domain"`     // required for autocert
	CertFile string `json:"certFile" yaml:"certFile"` // required for manual
	KeyFile  string `json:"keyFile" yaml:"keyFile"`   // required for manual
	CacheDir string `json:"cacheDir" yaml:"cacheDir"` // for autocert and self-signed; defaults to ~/.agent-mascot/certs
}

type WebserverConfig struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
	// BaseURL is embedded in generated hook scripts. Empty means derive it
	// from each request.
	BaseURL string    `json:"baseURL" yaml:"baseURL"`
	TLS     TLSConfig `json:"tls" yaml:"tls"`
}

type Config struct {
	Mode          string              `json:"mode" yaml:"mode"`
	Legacy        LegacyConfig        `json:"legacy" yaml:"legacy"`
	Webserver     WebserverConfig     `json:"webserver" yaml:"webserver"`
	Monitor       MonitorConfig       `json:"monitor" yaml:"monitor"`
	Retention     RetentionConfig     `json:"retention" yaml:"retention"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	LogDir        string              `json:"logDir" yaml:"logDir"`
	LogLevel      string              `json:"logLevel" yaml:"logLevel"`
	// LogFormat is "text" or "json".
	LogFormat   string `json:"logFormat" yaml:"logFormat"`
	LogKeepDays int    `json:"logKeepDays" yaml:"logKeepDays"`
	DBPath      string `json:"dbPath" yaml:"dbPath"`
}

func Defaults() Config {
	return Config{
		Mode: ModeMultiTenant,
		Webserver: WebserverConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Monitor:     MonitorConfig{Interval: Duration(10 * time.Second)},
		Retention:   RetentionConfig{EventMaxAge: Duration(30 * 24 * time.Hour)},
		LogDir:      filepath.Join(Dir(), "logs"),
		LogLevel:    "info",
		LogFormat:   "text",
		LogKeepDays: 7,
		DBPath:      DBPath(),
	}
}

// Dir is the per-user data directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-mascot")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "state.db")
}

// Load reads path over the defaults. A missing file is not an error. Files
// ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeMultiTenant:
	case ModeLegacy:
		if c.Legacy.SecretHash == "" {
			return errors.New("legacy mode requires legacy.secretHash (see `agent-mascot hash-secret`)")
		}
	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", c.Mode, ModeMultiTenant, ModeLegacy)
	}
	if c.Webserver.Port <= 0 || c.Webserver.Port > 65535 {
		return fmt.Errorf("webserver.port %d out of range", c.Webserver.Port)
	}
	if c.Monitor.Interval.Std() <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logFormat %q (want text or json)", c.LogFormat)
	}
	switch c.Webserver.TLS.Mode {
	case "", "self-signed":
	case "autocert":
		if c.Webserver.TLS.Domain == "" {
			return errors.New("tls mode autocert requires tls.domain")
		}
	case "manual":
		if c.Webserver.TLS.CertFile == "" || c.Webserver.TLS.KeyFile == "" {
			return errors.New("tls mode manual requires tls.certFile and tls.keyFile")
		}
	default:
		return fmt.Errorf("unknown tls mode %q", c.Webserver.TLS.Mode)
	}
	return nil
}
