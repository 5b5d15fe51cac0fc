package config

import (
	"time"
)

// Protocol defines the listener protocol type
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
)

// Config represents the complete gateway configuration
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Admin     AdminConfig      `yaml:"admin"`
	Logging   LoggingConfig    `yaml:"logging"`
	Naming    NamingConfig     `yaml:"naming"`
	Content   ContentConfig    `yaml:"content"`
	Cache     CacheConfig      `yaml:"cache"`
	Redis     RedisConfig      `yaml:"redis"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ListenerConfig defines a listener configuration
type ListenerConfig struct {
	ID       string             `yaml:"id"`
	Address  string             `yaml:"address"` // e.g., ":8080"
	Protocol Protocol           `yaml:"protocol"`
	TLS      TLSConfig          `yaml:"tls"`
	HTTP     HTTPListenerConfig `yaml:"http,omitempty"`
}

// HTTPListenerConfig defines HTTP-specific listener settings
type HTTPListenerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	EnableHTTP3       bool          `yaml:"enable_http3"` // serve HTTP/3 over QUIC on same port
}

// TLSConfig defines TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Port      int             `yaml:"port"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

// MetricsConfig defines Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// ReadinessConfig defines readiness probe settings.
type ReadinessConfig struct {
	RequireRedis bool `yaml:"require_redis"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // json or console
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// NamingConfig controls how request hostnames become resolvable names.
type NamingConfig struct {
	GatewaySuffix string                  `yaml:"gateway_suffix"` // e.g. ".eth-gw.uk.to"
	DomainSuffix  string                  `yaml:"domain_suffix"`  // e.g. ".eth"
	Resolver      string                  `yaml:"resolver"`       // "ens" or "static"
	Timeout       time.Duration           `yaml:"timeout"`
	ENS           ENSConfig               `yaml:"ens"`
	Static        map[string]StaticRecord `yaml:"static"`
}

// ENSConfig points the resolver at an Ethereum JSON-RPC endpoint.
type ENSConfig struct {
	RPCURL         string               `yaml:"rpc_url" redact:"true"` // often embeds an API key
	Registry       string               `yaml:"registry"`               // registry contract address
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// StaticRecord is a hex-encoded name record served without a network call.
type StaticRecord struct {
	Address     string `yaml:"address"`
	ContentHash string `yaml:"content_hash"`
}

// ContentConfig selects and tunes the content store.
type ContentConfig struct {
	Backend        string        `yaml:"backend"` // "ipfs" or "blob"
	Timeout        time.Duration `yaml:"timeout"`
	MaxModuleBytes int64         `yaml:"max_module_bytes"`
	IPFS           IPFSConfig    `yaml:"ipfs"`
	Blob           BlobConfig    `yaml:"blob"`
}

// IPFSConfig points at a Kubo HTTP API.
type IPFSConfig struct {
	APIURL         string               `yaml:"api_url"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// BlobConfig is a gocloud.dev bucket URL, e.g. file:///var/lib/dwebgate.
type BlobConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RetryConfig defines retry settings for collaborator calls
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig defines circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig defines module byte caching settings
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Mode          string        `yaml:"mode"` // "local" (default) or "distributed" (Redis-backed)
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxEntryBytes int64         `yaml:"max_entry_bytes"`
	Prefix        string        `yaml:"prefix"`
}

// RedisConfig defines Redis connection settings for distributed features.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// SandboxConfig tunes the WebAssembly runtime and its worker pool.
type SandboxConfig struct {
	RuntimeMode          string        `yaml:"runtime_mode"` // "compiler" (default) or "interpreter"
	MaxMemoryPages       uint32        `yaml:"max_memory_pages"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	Workers              int           `yaml:"workers"`
	QueueTimeout         time.Duration `yaml:"queue_timeout"`
	ModuleCacheSize      int           `yaml:"module_cache_size"`
	StrictMethods        bool          `yaml:"strict_methods"` // reject methods outside GET/POST/PUT/DELETE
	MaxRequestBodyBytes  int64         `yaml:"max_request_body_bytes"`
	MaxResponseBodyBytes int           `yaml:"max_response_body_bytes"`
}

// RateLimitConfig defines per-host rate limits
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rate    int           `yaml:"rate"`
	Period  time.Duration `yaml:"period"`
	Burst   int           `yaml:"burst"`
	MaxKeys int           `yaml:"max_keys"` // bound on tracked hosts
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`            // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`               // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers" redact:"true"` // extra headers for OTLP exporter
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listeners: []ListenerConfig{{
			ID:       "default-http",
			Address:  ":8080",
			Protocol: ProtocolHTTP,
			HTTP: HTTPListenerConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		}},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Naming: NamingConfig{
			GatewaySuffix: ".eth-gw.uk.to",
			DomainSuffix:  ".eth",
			Resolver:      "ens",
			Timeout:       5 * time.Second,
			ENS: ENSConfig{
				RPCURL:   "http://localhost:8545",
				Registry: "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e",
				Retry: RetryConfig{
					MaxRetries:     2,
					InitialBackoff: 100 * time.Millisecond,
					MaxBackoff:     time.Second,
				},
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					MaxRequests:      1,
					Timeout:          30 * time.Second,
				},
			},
		},
		Content: ContentConfig{
			Backend:        "ipfs",
			Timeout:        10 * time.Second,
			MaxModuleBytes: 16 << 20,
			IPFS: IPFSConfig{
				APIURL: "http://localhost:5001",
				Retry: RetryConfig{
					MaxRetries:     2,
					InitialBackoff: 100 * time.Millisecond,
					MaxBackoff:     time.Second,
				},
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					MaxRequests:      1,
					Timeout:          30 * time.Second,
				},
			},
		},
		Cache: CacheConfig{
			Enabled:       true,
			Mode:          "local",
			TTL:           time.Hour,
			MaxEntries:    256,
			MaxEntryBytes: 16 << 20,
			Prefix:        "dwebgate:module:",
		},
		Redis: RedisConfig{
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Sandbox: SandboxConfig{
			RuntimeMode:          "compiler",
			MaxMemoryPages:       256,
			ExecutionTimeout:     5 * time.Second,
			Workers:              64,
			QueueTimeout:         time.Second,
			ModuleCacheSize:      128,
			MaxRequestBodyBytes:  8 << 20,
			MaxResponseBodyBytes: 16 << 20,
		},
		RateLimit: RateLimitConfig{
			Period:  time.Second,
			MaxKeys: 10000,
		},
		Tracing: TracingConfig{
			ServiceName: "dwebgate",
			SampleRate:  1.0,
		},
	}
}
