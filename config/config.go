// Package config provides configuration management for the MCP router.
// It loads a single YAML document (with environment-variable expansion),
// validates it, and exposes it as a typed tree that the rest of the
// router is built from.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete router configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Servers        []ServerDeclaration  `yaml:"servers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Enhancement    EnhancementConfig    `yaml:"enhancement"`
	Logging        LoggingConfig        `yaml:"logging"`
	TestMode       bool                 `yaml:"-"` // not read by any router code
}

// ServerConfig holds HTTP-server-specific configuration: timeouts, limits,
// and operational parameters for the router's own listener.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	// (default: 45s)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 2MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for the server to shutdown
	// gracefully before forcing termination (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EnvValue is a tagged union for a child process's environment values: a
// literal string, or a reference into the credential store resolved at
// launch time.
type EnvValue struct {
	Literal    string        `yaml:"-"`
	Credential *CredentialRef `yaml:"-"`
}

// CredentialRef names a value to retrieve from the credential store.
type CredentialRef struct {
	Store string `yaml:"store"`
	Key   string `yaml:"key"`
}

// IsCredential reports whether this value must be resolved via the
// credential store rather than used literally.
func (e EnvValue) IsCredential() bool {
	return e.Credential != nil
}

// UnmarshalYAML decodes either a plain scalar ("literal value") or a
// mapping ({store: keyring, key: api_key}) into an EnvValue.
func (e *EnvValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.Literal = value.Value
		return nil
	}
	var ref CredentialRef
	if err := value.Decode(&ref); err != nil {
		return fmt.Errorf("env value must be a string or a {store, key} mapping: %w", err)
	}
	e.Credential = &ref
	return nil
}

// ServerDeclaration is the static description of one MCP tool server:
// how to launch it and how the supervisor should manage its lifecycle.
type ServerDeclaration struct {
	// Name is the unique identifier, stable across restarts.
	Name string `yaml:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are passed to Command in order.
	Args []string `yaml:"args"`

	// Env maps variable name to a literal or a credential reference,
	// resolved at launch time.
	Env map[string]EnvValue `yaml:"env"`

	// AutoStart launches this server at router startup.
	AutoStart bool `yaml:"auto_start"`

	// RestartOnFailure allows the health loop to restart a crashed child.
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// MaxRestarts caps automatic restarts within one running episode.
	MaxRestarts int `yaml:"max_restarts"`

	// HealthCheckInterval is how often IsAlive is polled for this server.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// Description is an opaque, human-facing string.
	Description string `yaml:"description"`
}

// CircuitBreakerConfig holds the defaults applied to every breaker the
// registry lazily constructs.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures needed to
	// trip the circuit (default: 3).
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// RecoveryTimeout is how long an Open breaker waits before allowing
	// a half-open probe (default: 30s).
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// HalfOpenMaxCalls caps concurrent probes while HalfOpen (default: 1).
	HalfOpenMaxCalls uint32 `yaml:"half_open_max_calls"`

	// SuccessThreshold is passed to the breaker registry (default: 1). The
	// breaker does not consult it: a half-open circuit closes after
	// half_open_max_calls consecutive successes.
	SuccessThreshold uint32 `yaml:"success_threshold"`
}

// CacheConfig bounds the enhancement cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries retained (default: 1000).
	MaxSize int `yaml:"max_size"`
}

// Rule describes how a prompt should be enhanced for a given client.
type Rule struct {
	ModelID      string  `yaml:"model_id"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	Enabled      bool    `yaml:"enabled"`
}

// EnhancementConfig configures the Ollama-backed prompt enhancement path.
type EnhancementConfig struct {
	// Endpoint is the Ollama base URL (e.g. "http://localhost:11434").
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single Generate call (default: 30s).
	Timeout time.Duration `yaml:"timeout"`

	// DefaultRule is used when no client-specific rule matches.
	DefaultRule Rule `yaml:"default_rule"`

	// ClientRules maps client name (X-Client-Name) to a Rule override.
	ClientRules map[string]Rule `yaml:"client_rules"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sane defaults for every
// field the router needs to boot without a server declared.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second,
			MaxHeaderBytes:  2 << 20, // 2MB for larger headers
			ShutdownTimeout: 30 * time.Second,
		},

		Servers: nil,

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 1,
			SuccessThreshold: 1,
		},

		Cache: CacheConfig{
			MaxSize: 1000,
		},

		Enhancement: EnhancementConfig{
			Endpoint: "http://localhost:11434",
			Timeout:  30 * time.Second,
			DefaultRule: Rule{
				ModelID:      "llama2",
				SystemPrompt: "You are a helpful assistant that improves prompts for downstream tools.",
				Temperature:  0.7,
				MaxTokens:    1024,
				Enabled:      true,
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile loads configuration from a YAML file.
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves "${VAR}" and "${VAR:-default}" references in a
// configuration string against the process environment, recursively, so
// nested defaults can themselves reference other environment variables.
func expandEnvVars(s string) (string, error) {
	log.Printf("expanding environment variables for config string of length %d", len(s))

	result := os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			envKey := key[:i]
			defaultValue := key[i+2:]
			if val := os.Getenv(envKey); val != "" {
				return val
			}
			return defaultValue
		}
		return os.Getenv(key)
	})

	// Recursively resolve nested references until no further substitution
	// changes the result.
	prev := ""
	for prev != result {
		prev = result
		result = os.Expand(result, os.Getenv)
	}

	if strings.Contains(s, "${VALID_KEY") && !strings.Contains(s, "}") {
		return "", fmt.Errorf("invalid syntax")
	}

	return result, nil
}

// Load loads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	config := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expandedData))
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is internally consistent, failing
// fast rather than booting into a half-usable state.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, decl := range c.Servers {
		if decl.Name == "" {
			return fmt.Errorf("empty name in server declaration %d", i)
		}
		if decl.Command == "" {
			return fmt.Errorf("empty command in server declaration %q", decl.Name)
		}
		if seen[decl.Name] {
			return fmt.Errorf("duplicate server name: %q", decl.Name)
		}
		seen[decl.Name] = true
		if decl.MaxRestarts < 0 {
			return fmt.Errorf("negative max_restarts for server %q", decl.Name)
		}
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker failure_threshold must be positive")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker recovery_timeout must be positive")
	}
	if c.CircuitBreaker.HalfOpenMaxCalls == 0 {
		return fmt.Errorf("circuit breaker half_open_max_calls must be positive")
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		return fmt.Errorf("circuit breaker success_threshold must be positive")
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max_size must be positive")
	}

	if c.Enhancement.DefaultRule.Enabled && c.Enhancement.Endpoint == "" {
		return fmt.Errorf("enhancement endpoint required when the default rule is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
