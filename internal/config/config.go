// Package config loads and validates the proxy's configuration: server
// settings, credential groups, the external store connection, and the
// circuit breaker / audit tuning knobs. Loading is via
// spf13/viper so that environment variables transparently override the YAML
// file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeploymentProfile selects the audit store backend: a lightweight
// in-process log for single-instance deployments, or a durable external
// store for multi-instance ones.
type DeploymentProfile string

const (
	ProfileLite     DeploymentProfile = "lite"
	ProfileStandard DeploymentProfile = "standard"
)

// RateLimitBehavior selects how the retry loop reacts to a WaitFor verdict.
type RateLimitBehavior string

const (
	// RateLimitCooldown puts the credential in cooldown and sleeps the WaitFor
	// duration before retrying (default).
	RateLimitCooldown RateLimitBehavior = "cooldown"
	// RateLimitSkip applies the same cooldown but moves on to the next
	// credential without sleeping; no failure is recorded.
	RateLimitSkip RateLimitBehavior = "skip"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Groups  []GroupConfig `mapstructure:"groups" json:"groups"`
	Redis   RedisConfig   `mapstructure:"redis" json:"redis"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Breaker BreakerConfig `mapstructure:"breaker" json:"breaker"`
	Audit   AuditConfig   `mapstructure:"audit" json:"audit"`

	MaxFailuresThreshold  int               `mapstructure:"max_failures_threshold" json:"max_failures_threshold"`
	TemporaryBlockMinutes int               `mapstructure:"temporary_block_minutes" json:"temporary_block_minutes"`
	InternalRetries       int               `mapstructure:"internal_retries" json:"internal_retries"`
	RateLimitBehavior     RateLimitBehavior `mapstructure:"rate_limit_behavior" json:"rate_limit_behavior"`
}

// ServerConfig holds the listener and outbound-client tuning knobs.
type ServerConfig struct {
	Port                int           `mapstructure:"port" json:"port"`
	Host                string        `mapstructure:"host" json:"host"`
	ConnectTimeoutSecs  int           `mapstructure:"connect_timeout_secs" json:"connect_timeout_secs"`
	RequestTimeoutSecs  int           `mapstructure:"request_timeout_secs" json:"request_timeout_secs"`
	MaxTokensPerRequest int           `mapstructure:"max_tokens_per_request" json:"max_tokens_per_request"`
	TestMode            bool          `mapstructure:"test_mode" json:"test_mode"`
	AdminToken          string        `mapstructure:"admin_token" json:"admin_token"`
	TopP                *float64      `mapstructure:"top_p" json:"top_p"`
	MaxRequestBodyBytes int64         `mapstructure:"max_request_body_bytes" json:"max_request_body_bytes"`
	GracefulShutdown    time.Duration `mapstructure:"graceful_shutdown" json:"graceful_shutdown"`
}

// ConnectTimeout returns the configured connect timeout as a duration.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSecs) * time.Second
}

// RequestTimeout returns the configured request timeout as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// GroupConfig is one named bag of credentials routed to a single upstream.
type GroupConfig struct {
	Name         string   `mapstructure:"name" json:"name"`
	APIKeys      []string `mapstructure:"api_keys" json:"api_keys"`
	TargetURL    string   `mapstructure:"target_url" json:"target_url"`
	ProxyURL     string   `mapstructure:"proxy_url" json:"proxy_url"`
	ModelAliases []string `mapstructure:"model_aliases" json:"model_aliases"`
	TopP         *float64 `mapstructure:"top_p" json:"top_p"`
}

// RedisConfig selects and tunes the external Key Store.
type RedisConfig struct {
	URL             string        `mapstructure:"url" json:"url"`
	KeyPrefix       string        `mapstructure:"key_prefix" json:"key_prefix"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries" json:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff" json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" json:"max_retry_backoff"`
}

// Enabled reports whether an external store was configured at all; absence
// means the in-process Key Store is used.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	Output     string `mapstructure:"output" json:"output"`
	Filename   string `mapstructure:"filename" json:"filename"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// BreakerConfig tunes the Circuit Breaker Registry (§4.C).
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold" json:"success_threshold"`
}

// AuditConfig tunes the supplemented persistent audit trail.
type AuditConfig struct {
	Enabled     bool              `mapstructure:"enabled" json:"enabled"`
	Profile     DeploymentProfile `mapstructure:"profile" json:"profile"`
	SQLitePath  string            `mapstructure:"sqlite_path" json:"sqlite_path"`
	PostgresURL string            `mapstructure:"postgres_url" json:"postgres_url"`
	BufferSize  int               `mapstructure:"buffer_size" json:"buffer_size"`
}

// Load reads configuration from configPath (if non-empty) and environment
// variables, applying defaults for anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.connect_timeout_secs", 10)
	v.SetDefault("server.request_timeout_secs", 60)
	v.SetDefault("server.test_mode", false)
	v.SetDefault("server.max_request_body_bytes", 10*1024*1024)
	v.SetDefault("server.graceful_shutdown", "15s")

	v.SetDefault("redis.key_prefix", "gemini_proxy:")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.min_retry_backoff", "100ms")
	v.SetDefault("redis.max_retry_backoff", "500ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.success_threshold", 1)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.profile", "lite")
	v.SetDefault("audit.sqlite_path", "./keyproxy-audit.db")
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("max_failures_threshold", 3)
	v.SetDefault("temporary_block_minutes", 5)
	v.SetDefault("internal_retries", 20)
	v.SetDefault("rate_limit_behavior", "cooldown")
}

// Validate checks cross-field invariants before a config may be accepted,
// whether at startup or via reload.
func (c *Config) Validate() error {
	if !c.Server.TestMode && c.Server.Port == 0 {
		return fmt.Errorf("server.port must be non-zero outside test_mode")
	}

	seenGroups := make(map[string]bool, len(c.Groups))
	seenKeys := make(map[string]string, 32)
	seenAliases := make(map[string]string, 32)

	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("group name must not be empty")
		}
		if seenGroups[g.Name] {
			return fmt.Errorf("duplicate group name %q", g.Name)
		}
		seenGroups[g.Name] = true

		if _, err := url.Parse(g.TargetURL); err != nil || g.TargetURL == "" {
			return fmt.Errorf("group %q: invalid target_url %q: %w", g.Name, g.TargetURL, err)
		}

		if g.ProxyURL != "" {
			u, err := url.Parse(g.ProxyURL)
			if err != nil {
				return fmt.Errorf("group %q: invalid proxy_url %q: %w", g.Name, g.ProxyURL, err)
			}
			switch u.Scheme {
			case "http", "https", "socks5":
			default:
				return fmt.Errorf("group %q: unsupported proxy_url scheme %q", g.Name, u.Scheme)
			}
		}

		for _, key := range g.APIKeys {
			if key == "" {
				return fmt.Errorf("group %q: empty credential", g.Name)
			}
			if owner, dup := seenKeys[key]; dup {
				return fmt.Errorf("credential duplicated across groups %q and %q", owner, g.Name)
			}
			seenKeys[key] = g.Name
		}

		for _, alias := range g.ModelAliases {
			// An alias claimed by more than one group is not an error; only
			// the first owner seen is recorded, and later groups fall through.
			if _, dup := seenAliases[alias]; !dup {
				seenAliases[alias] = g.Name
			}
		}
	}

	switch c.RateLimitBehavior {
	case RateLimitCooldown, RateLimitSkip, "":
	default:
		return fmt.Errorf("invalid rate_limit_behavior %q (accepted: %q, %q)", c.RateLimitBehavior, RateLimitCooldown, RateLimitSkip)
	}

	if c.Audit.Enabled {
		switch c.Audit.Profile {
		case ProfileLite, ProfileStandard:
		default:
			return fmt.Errorf("invalid audit.profile %q (must be %q or %q)", c.Audit.Profile, ProfileLite, ProfileStandard)
		}
		if c.Audit.Profile == ProfileStandard && c.Audit.PostgresURL == "" {
			return fmt.Errorf("audit.profile=standard requires audit.postgres_url")
		}
	}

	return nil
}

// AllCredentials returns every configured credential across all groups, in
// group-then-config order.
func (c *Config) AllCredentials() []string {
	var out []string
	for _, g := range c.Groups {
		out = append(out, g.APIKeys...)
	}
	return out
}

// GroupByName returns the group config with the given name, if any.
func (c *Config) GroupByName(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}
