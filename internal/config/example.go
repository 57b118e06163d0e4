package config

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Example returns a fully populated, annotated Config suitable for writing
// out as a starting-point YAML file via `keyproxy validate-config --example`.
func Example() *Config {
	topP := 0.9
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			ConnectTimeoutSecs:  10,
			RequestTimeoutSecs:  60,
			MaxTokensPerRequest: 32000,
			AdminToken:          "replace-me-with-a-long-random-token",
			TopP:                &topP,
			MaxRequestBodyBytes: 10 * 1024 * 1024,
			GracefulShutdown:    15 * time.Second,
		},
		Groups: []GroupConfig{
			{
				Name:         "gemini-primary",
				APIKeys:      []string{"AIzaSy...key-one", "AIzaSy...key-two"},
				TargetURL:    "https://generativelanguage.googleapis.com",
				ModelAliases: []string{"gemini-pro", "gemini-1.5-pro"},
			},
			{
				Name:         "openai-primary",
				APIKeys:      []string{"sk-...key-one"},
				TargetURL:    "https://api.openai.com",
				ProxyURL:     "socks5://127.0.0.1:1080",
				ModelAliases: []string{"gpt-4o"},
			},
		},
		Redis: RedisConfig{
			KeyPrefix:       "keyproxy:",
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			MaxRetries:      3,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 1,
		},
		Audit: AuditConfig{
			Enabled:    false,
			Profile:    ProfileLite,
			SQLitePath: "./keyproxy-audit.db",
			BufferSize: 1024,
		},
		MaxFailuresThreshold:  3,
		TemporaryBlockMinutes: 5,
		InternalRetries:       20,
		RateLimitBehavior:     RateLimitCooldown,
	}
}

// WriteExample marshals Example() to w as YAML, preceded by a short header
// comment pointing at the fields an operator actually needs to change.
func WriteExample(w io.Writer) error {
	header := "# Example keyproxy configuration.\n" +
		"# At minimum, replace the api_keys and target_url under each group\n" +
		"# and set server.admin_token before exposing /admin.\n\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(Example())
}
