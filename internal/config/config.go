// Package config builds the immutable Configuration value object for one
// run. Values resolve with precedence: CLI flag > PQSETUP_* environment
// variable > built-in default. After Load returns, nothing mutates the
// Config; every component receives it by value or pointer, never through
// ambient globals.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. PQSETUP_PREFIX.
const EnvPrefix = "PQSETUP"

// Config is the resolved configuration for one pipeline run.
type Config struct {
	Prefix string `mapstructure:"prefix"`
	Port   int    `mapstructure:"port"`
	Jobs   int    `mapstructure:"jobs"`

	DryRun    bool `mapstructure:"dry_run"`
	SkipTests bool `mapstructure:"skip_tests"`
	Force     bool `mapstructure:"force"`
	NoService bool `mapstructure:"no_service"`
	Rollback  bool `mapstructure:"rollback"`
	Client    bool `mapstructure:"client"`

	LiboqsVersion     string `mapstructure:"liboqs_version"`
	LiboqsURL         string `mapstructure:"liboqs_url"`
	LiboqsFallbackURL string `mapstructure:"liboqs_fallback_url"`
	SSHVersion        string `mapstructure:"ssh_version"`
	SSHURL            string `mapstructure:"ssh_url"`
	SSHFallbackURL    string `mapstructure:"ssh_fallback_url"`

	// Algorithm identifiers are opaque: upstream library versions disagree
	// on naming, so they pass through to the built tools unvalidated.
	HostKeyAlgorithm string `mapstructure:"host_key_algorithm"`
	KexAlgorithm     string `mapstructure:"kex_algorithm"`

	TimeoutSeconds    int     `mapstructure:"timeout"`
	Retries           int     `mapstructure:"retries"`
	RetryDelaySeconds int     `mapstructure:"retry_delay"`
	RetryBackoff      float64 `mapstructure:"retry_backoff"`

	RunUser     string `mapstructure:"run_user"`
	ServiceName string `mapstructure:"service_name"`

	// Client mode: the alias block written into the user's SSH client
	// configuration and the host it points at.
	ClientAlias string `mapstructure:"client_alias"`
	ClientHost  string `mapstructure:"client_host"`

	BuildDir   string `mapstructure:"build_dir"`
	LogFile    string `mapstructure:"log_file"`
	ReportFile string `mapstructure:"report_file"`

	LogFormat  string `mapstructure:"log_format"`
	LogLevel   string `mapstructure:"log_level"`
	Profile    string `mapstructure:"profile"`
	Trace      bool   `mapstructure:"trace"`
	StatusPort int    `mapstructure:"status_port"`
}

// Load resolves the configuration. overrides holds only the options the
// user explicitly set on the command line, keyed by option name; they take
// precedence over everything. profileDefaults, from an installation
// profile's settings block, replace built-in defaults but still yield to
// environment variables and flags.
func Load(overrides, profileDefaults map[string]any) (*Config, error) {
	v := viper.New()

	stateDir := filepath.Join(xdg.StateHome, "pqsetup")
	cacheDir := filepath.Join(xdg.CacheHome, "pqsetup")

	v.SetDefault("prefix", "/opt/pq-ssh")
	v.SetDefault("port", 2222)
	v.SetDefault("jobs", runtime.NumCPU())
	v.SetDefault("dry_run", false)
	v.SetDefault("skip_tests", false)
	v.SetDefault("force", false)
	v.SetDefault("no_service", false)
	v.SetDefault("rollback", false)
	v.SetDefault("client", false)
	v.SetDefault("liboqs_version", "0.12.0")
	v.SetDefault("liboqs_url", "https://github.com/open-quantum-safe/liboqs.git")
	v.SetDefault("liboqs_fallback_url", "")
	v.SetDefault("ssh_version", "OQS-v9")
	v.SetDefault("ssh_url", "https://github.com/open-quantum-safe/openssh.git")
	v.SetDefault("ssh_fallback_url", "")
	v.SetDefault("host_key_algorithm", "ssh-falcon512")
	v.SetDefault("kex_algorithm", "kyber-512-sha256")
	v.SetDefault("timeout", 3600)
	v.SetDefault("retries", 3)
	v.SetDefault("retry_delay", 5)
	v.SetDefault("retry_backoff", 2.0)
	v.SetDefault("run_user", "oqssshd")
	v.SetDefault("service_name", "pqsshd")
	v.SetDefault("client_alias", "pqssh")
	v.SetDefault("client_host", "localhost")
	v.SetDefault("build_dir", filepath.Join(cacheDir, "src"))
	v.SetDefault("log_file", filepath.Join(stateDir, "install.log"))
	v.SetDefault("report_file", filepath.Join(stateDir, "report.json"))
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("profile", "")
	v.SetDefault("trace", false)
	v.SetDefault("status_port", 0)

	for key, value := range profileDefaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// viper ranks explicit Set above environment, which is exactly the
	// required precedence for CLI-supplied values.
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Jobs == 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range 1-65535", c.Port)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("config: jobs must not be negative, got %d", c.Jobs)
	}
	if c.Retries < 1 {
		return fmt.Errorf("config: retries must be >= 1, got %d", c.Retries)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("config: timeout must be >= 1 second, got %d", c.TimeoutSeconds)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format must be 'text' or 'json', got %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// EtcDir is where rendered server configuration lands.
func (c *Config) EtcDir() string {
	return filepath.Join(c.Prefix, "etc")
}

// SSHDConfigPath is the rendered daemon configuration file.
func (c *Config) SSHDConfigPath() string {
	return filepath.Join(c.EtcDir(), "sshd_config")
}

// HostKeyPath is the server host identity location for the configured
// algorithm.
func (c *Config) HostKeyPath() string {
	return filepath.Join(c.EtcDir(), "ssh_host_"+SafeAlgorithmName(c.HostKeyAlgorithm)+"_key")
}

// BinDir is where built binaries land under the prefix.
func (c *Config) BinDir() string {
	return filepath.Join(c.Prefix, "bin")
}

// SbinDir is where the daemon binary lands under the prefix.
func (c *Config) SbinDir() string {
	return filepath.Join(c.Prefix, "sbin")
}

// SafeAlgorithmName makes an opaque algorithm identifier safe for use as
// a file name component.
func SafeAlgorithmName(alg string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, alg)
}
