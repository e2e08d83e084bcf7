// Package qconfig loads qtrust settings from a YAML file.
package qconfig

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"gopkg.in/yaml.v3"

	"github.com/kardianos/qtrust"
	"github.com/kardianos/qtrust/qstore"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("qconfig: invalid configuration")

// Config is the file form of qtrust.Params and qtrust.Options.
type Config struct {
	CAStore     StoreConfig `yaml:"ca_store"`
	ClientStore StoreConfig `yaml:"client_store"`

	// Protocol is "TLS" or a single version such as "TLSv1.2".
	Protocol         string   `yaml:"protocol"`
	EnabledProtocols []string `yaml:"enabled_protocols"`

	SkipImport               bool `yaml:"skip_import"`
	SkipHostnameVerification bool `yaml:"skip_hostname_verification"`
	StrictUnknownIssuer      bool `yaml:"strict_unknown_issuer"`

	// DefaultPassword is tried before prompting when TryDefaultPassword is set.
	DefaultPassword    string `yaml:"default_password"`
	TryDefaultPassword bool   `yaml:"try_default_password"`

	// DecisionTimeout bounds each trust decision. Zero waits indefinitely.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`

	ALPN []string `yaml:"alpn"`

	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig locates one certificate store.
type StoreConfig struct {
	// Path may reference environment variables as $VAR or ${VAR}.
	Path string `yaml:"path"`
	Type string `yaml:"type"`

	// Password is used as is. PasswordEnv names an environment variable
	// holding the password and wins when both are set.
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

// LoggingConfig sets the stdr logger.
type LoggingConfig struct {
	// Verbosity enables V(n) logs up to n.
	Verbosity int  `yaml:"verbosity"`
	Timestamp bool `yaml:"timestamp"`
}

// EnvConfigPath names the environment variable that overrides DefaultPath.
const EnvConfigPath = "QTRUST_CONFIG"

// DefaultPath returns the configuration file used when none is named:
// $QTRUST_CONFIG, or qtrust.yaml in the system configuration directory
// (/etc/qtrust, or %PROGRAMDATA%\qtrust on Windows).
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(defaultDir("qtrust"), "qtrust.yaml")
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		CAStore:            StoreConfig{Type: "JKS"},
		ClientStore:        StoreConfig{Type: "JKS"},
		Protocol:           qtrust.DefaultProtocol,
		DefaultPassword:    qtrust.DefaultPassword,
		TryDefaultPassword: true,
		Logging:            LoggingConfig{Timestamp: true},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qconfig: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default, expands paths and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("qconfig: parse: %w", err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expand() {
	for _, s := range []*StoreConfig{&c.CAStore, &c.ClientStore} {
		s.Path = os.ExpandEnv(s.Path)
		if s.Type == "" {
			s.Type = "JKS"
		}
	}
	if c.Protocol == "" {
		c.Protocol = qtrust.DefaultProtocol
	}
}

// Validate checks values that can be checked without touching the stores.
// Missing store files are reported by qtrust.NewFactory.
func (c *Config) Validate() error {
	if c.CAStore.Path == "" && c.ClientStore.Path == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, qtrust.ErrNoStore)
	}
	for name, s := range map[string]StoreConfig{"ca_store": c.CAStore, "client_store": c.ClientStore} {
		if s.Path == "" {
			continue
		}
		if _, err := qstore.LookupFormat(s.Type); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
		}
	}
	if c.DecisionTimeout < 0 {
		return fmt.Errorf("%w: decision_timeout %v is negative", ErrInvalid, c.DecisionTimeout)
	}
	if c.Logging.Verbosity < 0 {
		return fmt.Errorf("%w: logging.verbosity %d is negative", ErrInvalid, c.Logging.Verbosity)
	}
	return nil
}

// password returns the configured password, or nil when none is set so
// the caller falls back to the default password and prompting.
func (s StoreConfig) password() []byte {
	if s.PasswordEnv != "" {
		if v, ok := os.LookupEnv(s.PasswordEnv); ok {
			return []byte(v)
		}
	}
	if s.Password != "" {
		return []byte(s.Password)
	}
	return nil
}

// Params builds the store parameters. The returned passwords are fresh
// slices the caller may wipe.
func (c *Config) Params() qtrust.Params {
	return qtrust.Params{
		CAStorePath:     c.CAStore.Path,
		CAStoreType:     c.CAStore.Type,
		CAPassword:      c.CAStore.password(),
		ClientStorePath: c.ClientStore.Path,
		ClientStoreType: c.ClientStore.Type,
		ClientPassword:  c.ClientStore.password(),
	}
}

// Options builds the behavior options. Decider, Prompt and Metrics are
// left for the caller.
func (c *Config) Options(log logr.Logger) qtrust.Options {
	o := qtrust.Options{
		Protocol:                 c.Protocol,
		EnabledProtocols:         c.EnabledProtocols,
		SkipImport:               c.SkipImport,
		DisableDefaultPassword:   !c.TryDefaultPassword,
		SkipHostnameVerification: c.SkipHostnameVerification,
		StrictUnknownIssuer:      c.StrictUnknownIssuer,
		DecisionTimeout:          c.DecisionTimeout,
		ALPN:                     c.ALPN,
		Logger:                   log,
	}
	if c.DefaultPassword != "" {
		o.DefaultPassword = []byte(c.DefaultPassword)
	}
	return o
}

// NewLogger returns a stdr logger writing to w.
func NewLogger(c LoggingConfig, w io.Writer) logr.Logger {
	flags := 0
	if c.Timestamp {
		flags = log.LstdFlags
	}
	stdr.SetVerbosity(c.Verbosity)
	return stdr.New(log.New(w, "", flags))
}
