package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// RegisterSecretProvider adds a provider for ${scheme:ref} values.
func (l *Loader) RegisterSecretProvider(p SecretProvider) {
	l.secrets.Register(p)
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	listenerIDs := make(map[string]bool)
	for i, listener := range cfg.Listeners {
		if listener.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if listenerIDs[listener.ID] {
			return fmt.Errorf("duplicate listener id: %s", listener.ID)
		}
		listenerIDs[listener.ID] = true

		if listener.Address == "" {
			return fmt.Errorf("listener %s: address is required", listener.ID)
		}
		if listener.Protocol == "" {
			return fmt.Errorf("listener %s: protocol is required", listener.ID)
		}
		if listener.Protocol != ProtocolHTTP {
			return fmt.Errorf("listener %s: invalid protocol: %s", listener.ID, listener.Protocol)
		}
		if listener.TLS.Enabled {
			if listener.TLS.CertFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but cert_file not provided", listener.ID)
			}
			if listener.TLS.KeyFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but key_file not provided", listener.ID)
			}
		}
		if listener.HTTP.EnableHTTP3 && !listener.TLS.Enabled {
			return fmt.Errorf("listener %s: enable_http3 requires tls", listener.ID)
		}
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin: invalid port %d", cfg.Admin.Port)
	}

	if err := validateNaming(cfg.Naming); err != nil {
		return fmt.Errorf("naming: %w", err)
	}
	if err := validateContent(cfg.Content); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	if err := validateCache(cfg); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := validateSandbox(cfg.Sandbox); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate_limit: rate must be > 0")
		}
		if cfg.RateLimit.Period <= 0 {
			return fmt.Errorf("rate_limit: period must be > 0")
		}
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

func validateNaming(n NamingConfig) error {
	if n.GatewaySuffix != "" && !strings.HasPrefix(n.GatewaySuffix, ".") {
		return fmt.Errorf("gateway_suffix must start with '.'")
	}
	if n.DomainSuffix != "" && !strings.HasPrefix(n.DomainSuffix, ".") {
		return fmt.Errorf("domain_suffix must start with '.'")
	}
	if n.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}

	switch n.Resolver {
	case "ens":
		if _, err := url.ParseRequestURI(n.ENS.RPCURL); err != nil {
			return fmt.Errorf("ens.rpc_url: %w", err)
		}
		if _, err := DecodeHex(n.ENS.Registry); err != nil {
			return fmt.Errorf("ens.registry: %w", err)
		}
	case "static":
		for name, rec := range n.Static {
			if _, err := DecodeHex(rec.Address); err != nil {
				return fmt.Errorf("static %s: address: %w", name, err)
			}
			if _, err := DecodeHex(rec.ContentHash); err != nil {
				return fmt.Errorf("static %s: content_hash: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("invalid resolver: %q", n.Resolver)
	}
	return nil
}

func validateContent(c ContentConfig) error {
	switch c.Backend {
	case "ipfs":
		if _, err := url.ParseRequestURI(c.IPFS.APIURL); err != nil {
			return fmt.Errorf("ipfs.api_url: %w", err)
		}
	case "blob":
		if c.Blob.URL == "" {
			return fmt.Errorf("blob.url is required")
		}
	default:
		return fmt.Errorf("invalid backend: %q", c.Backend)
	}
	if c.MaxModuleBytes <= 0 {
		return fmt.Errorf("max_module_bytes must be > 0")
	}
	return nil
}

func validateCache(cfg *Config) error {
	c := cfg.Cache
	if !c.Enabled {
		return nil
	}
	switch c.Mode {
	case "", "local":
		if c.MaxEntries <= 0 {
			return fmt.Errorf("max_entries must be > 0")
		}
	case "distributed":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("distributed mode requires redis.address")
		}
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}
	return nil
}

func validateSandbox(s SandboxConfig) error {
	switch s.RuntimeMode {
	case "", "compiler", "interpreter":
	default:
		return fmt.Errorf("invalid runtime_mode: %q", s.RuntimeMode)
	}
	if s.MaxMemoryPages > 65536 {
		return fmt.Errorf("max_memory_pages must be <= 65536")
	}
	if s.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be > 0")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if s.MaxResponseBodyBytes < 0 || s.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("body limits must be >= 0")
	}
	return nil
}

// DecodeHex accepts hex with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	return hex.DecodeString(s)
}
