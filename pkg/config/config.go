package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "2s",
// "100ms", etc.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// KeeperConfig identifies this keeper process.
type KeeperConfig struct {
	ID           string   `yaml:"id"`   // generated if empty
	Host         string   `yaml:"host"` // defaults to hostname
	DataDir      string   `yaml:"data_dir"`
	Capabilities []string `yaml:"capabilities"`
}

// ProviderConfig points at the market provider.
type ProviderConfig struct {
	BaseURL   string   `yaml:"base_url"`
	WSURL     string   `yaml:"ws_url"`
	APIKey    string   `yaml:"api_key"`
	APISecret string   `yaml:"api_secret"`
	Timeout   Duration `yaml:"timeout"`
}

// StoreConfig points at the coordination store.
type StoreConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
}

// ChainConfig points at the on-chain RPC sink.
type ChainConfig struct {
	RPCURL  string   `yaml:"rpc_url"`
	Timeout Duration `yaml:"timeout"`
}

// LimiterConfig selects the rate-limit tier and retry behavior.
type LimiterConfig struct {
	Tier           string   `yaml:"tier"` // free, basic, premium
	EmergencyMode  bool     `yaml:"emergency_mode"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
}

// OptimizerConfig tunes batching, compression, fan-out and dedup.
type OptimizerConfig struct {
	BatchMaxSize         int      `yaml:"batch_max_size"`
	BatchMaxWait         Duration `yaml:"batch_max_wait"`
	CompressionThreshold int      `yaml:"compression_threshold"` // bytes
	ParallelRequests     int      `yaml:"parallel_requests"`     // clamped 1..10
	CacheTTL             Duration `yaml:"cache_ttl"`
}

// IngestConfig drives the ingestion engine's clocks.
type IngestConfig struct {
	FullSyncInterval   Duration `yaml:"full_sync_interval"`
	PageSize           int      `yaml:"page_size"`
	PageDelay          Duration `yaml:"page_delay"`
	HotRefreshInterval Duration `yaml:"hot_refresh_interval"`
	HotWindow          Duration `yaml:"hot_window"`
	HotLimit           int      `yaml:"hot_limit"`
	ResolutionInterval Duration `yaml:"resolution_interval"`
	PushThreshold      float64  `yaml:"push_threshold"` // relative change
	PriceCacheSize     int      `yaml:"price_cache_size"`
	PriceCacheAge      Duration `yaml:"price_cache_age"`
}

// HeartbeatConfig drives keeper liveness reporting.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval"`
	TTL      Duration `yaml:"ttl"`
}

// ElectionConfig drives the leader lease and resharding cadence.
type ElectionConfig struct {
	LeaseTTL         Duration `yaml:"lease_ttl"`
	ReverifyInterval Duration `yaml:"reverify_interval"`
	ReshardInterval  Duration `yaml:"reshard_interval"`
}

// FailoverConfig drives the health supervisor.
type FailoverConfig struct {
	HealthCheckInterval    Duration `yaml:"health_check_interval"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	RecoveryTimeout        Duration `yaml:"recovery_timeout"`
	DegradedAfter          Duration `yaml:"degraded_after"`
	FailedAfter            Duration `yaml:"failed_after"`
	MaxErrorRate           float64  `yaml:"max_error_rate"`
	MaxLatencyMs           float64  `yaml:"max_latency_ms"`
}

// RetryQueueConfig drives the shared retry-queue drain loop.
type RetryQueueConfig struct {
	DrainInterval Duration `yaml:"drain_interval"`
	DrainBatch    int      `yaml:"drain_batch"`
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full keeper configuration.
type Config struct {
	Keeper     KeeperConfig     `yaml:"keeper"`
	Provider   ProviderConfig   `yaml:"provider"`
	Store      StoreConfig      `yaml:"store"`
	Chain      ChainConfig      `yaml:"chain"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Election   ElectionConfig   `yaml:"election"`
	Failover   FailoverConfig   `yaml:"failover"`
	RetryQueue RetryQueueConfig `yaml:"retry_queue"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration with every option at its default.
func Default() *Config {
	return &Config{
		Keeper: KeeperConfig{
			DataDir:      "/var/lib/keeperd",
			Capabilities: []string{"ingest", "resolve"},
		},
		Provider: ProviderConfig{
			BaseURL: "http://localhost:8080",
			WSURL:   "ws://localhost:8080/stream",
			Timeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			RedisAddr: "localhost:6379",
		},
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			Timeout: Duration(10 * time.Second),
		},
		Limiter: LimiterConfig{
			Tier:           TierFree,
			MaxRetries:     3,
			RetryBaseDelay: Duration(time.Second),
		},
		Optimizer: OptimizerConfig{
			BatchMaxSize:         100,
			BatchMaxWait:         Duration(100 * time.Millisecond),
			CompressionThreshold: 1024,
			ParallelRequests:     5,
			CacheTTL:             Duration(60 * time.Second),
		},
		Ingest: IngestConfig{
			FullSyncInterval:   Duration(2 * time.Second),
			PageSize:           1000,
			PageDelay:          Duration(200 * time.Millisecond),
			HotRefreshInterval: Duration(5 * time.Second),
			HotWindow:          Duration(5 * time.Second),
			HotLimit:           100,
			ResolutionInterval: Duration(2 * time.Second),
			PushThreshold:      0.01,
			PriceCacheSize:     10000,
			PriceCacheAge:      Duration(10 * time.Minute),
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(5 * time.Second),
			TTL:      Duration(30 * time.Second),
		},
		Election: ElectionConfig{
			LeaseTTL:         Duration(30 * time.Second),
			ReverifyInterval: Duration(10 * time.Second),
			ReshardInterval:  Duration(30 * time.Second),
		},
		Failover: FailoverConfig{
			HealthCheckInterval:    Duration(10 * time.Second),
			MaxConsecutiveFailures: 5,
			RecoveryTimeout:        Duration(60 * time.Second),
			DegradedAfter:          Duration(15 * time.Second),
			FailedAfter:            Duration(30 * time.Second),
			MaxErrorRate:           0.1,
			MaxLatencyMs:           5000,
		},
		RetryQueue: RetryQueueConfig{
			DrainInterval: Duration(10 * time.Second),
			DrainBatch:    50,
		},
		API: APIConfig{
			Listen: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges and applies the documented clamps.
func (c *Config) Validate() error {
	if _, err := TierFor(c.Limiter.Tier); err != nil {
		return err
	}
	// Fan-out concurrency is clamped, not rejected.
	if c.Optimizer.ParallelRequests < 1 {
		c.Optimizer.ParallelRequests = 1
	}
	if c.Optimizer.ParallelRequests > 10 {
		c.Optimizer.ParallelRequests = 10
	}
	if c.Optimizer.BatchMaxSize <= 0 {
		return fmt.Errorf("optimizer.batch_max_size must be positive, got %d", c.Optimizer.BatchMaxSize)
	}
	if c.Optimizer.BatchMaxWait.D() <= 0 {
		return fmt.Errorf("optimizer.batch_max_wait must be positive, got %v", c.Optimizer.BatchMaxWait.D())
	}
	if c.Optimizer.CacheTTL.D() <= 0 {
		return fmt.Errorf("optimizer.cache_ttl must be positive, got %v", c.Optimizer.CacheTTL.D())
	}
	if c.Heartbeat.Interval.D() <= 0 || c.Heartbeat.TTL.D() <= 0 {
		return fmt.Errorf("heartbeat interval and ttl must be positive")
	}
	if c.Heartbeat.TTL.D() <= c.Heartbeat.Interval.D() {
		return fmt.Errorf("heartbeat ttl %v must exceed interval %v",
			c.Heartbeat.TTL.D(), c.Heartbeat.Interval.D())
	}
	if c.Election.LeaseTTL.D() <= 0 {
		return fmt.Errorf("election.lease_ttl must be positive")
	}
	if c.Ingest.PageSize <= 0 {
		return fmt.Errorf("ingest.page_size must be positive, got %d", c.Ingest.PageSize)
	}
	if c.Ingest.PushThreshold <= 0 {
		return fmt.Errorf("ingest.push_threshold must be positive, got %g", c.Ingest.PushThreshold)
	}
	if c.Failover.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("failover.max_consecutive_failures must be positive, got %d",
			c.Failover.MaxConsecutiveFailures)
	}
	if c.Limiter.MaxRetries < 0 {
		return fmt.Errorf("limiter.max_retries must not be negative, got %d", c.Limiter.MaxRetries)
	}
	return nil
}
