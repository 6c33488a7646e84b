package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/internal/file"
	"github.com/objectfs/fscache/internal/storage/s3"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/retry"
	"github.com/objectfs/fscache/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FSCACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global          GlobalConfig          `yaml:"global"`
	Cache           CacheConfig           `yaml:"cache"`
	PersistentCache PersistentCacheConfig `yaml:"persistent_cache"`
	Write           WriteConfig           `yaml:"write"`
	Network         NetworkConfig         `yaml:"network"`
	S3              S3Config              `yaml:"s3"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// CacheConfig configures the in-memory policy of each handle. Sizes accept
// strings such as "5MB".
type CacheConfig struct {
	BlockSize         string `yaml:"block_size"`
	Policy            string `yaml:"cache_policy"`
	MaxEntries        int    `yaml:"max_cache_entries"`
	MaxBytes          string `yaml:"max_cache_bytes"`
	MaxWholeFileBytes string `yaml:"max_whole_file_bytes"`
	WindowSize        string `yaml:"window_size"`
	CoalesceGap       int64  `yaml:"coalesce_gap"`
	Prefetch          bool   `yaml:"prefetch"`
	FetchConcurrency  int    `yaml:"fetch_concurrency"`
}

// PersistentCacheConfig represents persistent cache settings
type PersistentCacheConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Directory      string `yaml:"directory"`
	MaxBytes       string `yaml:"max_bytes"`
	MaxEntries     int    `yaml:"max_entries"`
	CheckIntegrity bool   `yaml:"check_integrity"`
	PartialCaching bool   `yaml:"partial_caching"`

	// CacheAll routes every read through the store, not only URLs with a
	// filecache:: prefix.
	CacheAll bool `yaml:"cache_all"`
}

// WriteConfig represents write-mode settings
type WriteConfig struct {
	PartSize string `yaml:"part_size"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// S3Config represents S3 client settings
type S3Config struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			BlockSize:         "5MB",
			Policy:            string(cache.KindReadAhead),
			MaxEntries:        32,
			MaxBytes:          "256MB",
			MaxWholeFileBytes: "1GB",
			WindowSize:        "5MB",
			Prefetch:          true,
			FetchConcurrency:  4,
		},
		PersistentCache: PersistentCacheConfig{
			Enabled:   false,
			Directory: "/var/cache/fscache",
			MaxBytes:  "10GB",
		},
		Write: WriteConfig{
			PartSize: "8MB",
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies FSCACHE_* environment overrides.
func (c *Configuration) LoadFromEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":                  &c.Global.LogLevel,
		"LOG_FORMAT":                 &c.Global.LogFormat,
		"LOG_FILE":                   &c.Global.LogFile,
		"METRICS_ADDR":               &c.Global.MetricsAddr,
		"CACHE_POLICY":               &c.Cache.Policy,
		"BLOCK_SIZE":                 &c.Cache.BlockSize,
		"MAX_CACHE_BYTES":            &c.Cache.MaxBytes,
		"MAX_WHOLE_FILE_BYTES":       &c.Cache.MaxWholeFileBytes,
		"WINDOW_SIZE":                &c.Cache.WindowSize,
		"PERSISTENT_CACHE_DIR":       &c.PersistentCache.Directory,
		"PERSISTENT_CACHE_MAX_BYTES": &c.PersistentCache.MaxBytes,
		"PART_SIZE":                  &c.Write.PartSize,
		"S3_REGION":                  &c.S3.Region,
		"S3_ENDPOINT":                &c.S3.Endpoint,
	}
	for key, dst := range strs {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"MAX_CACHE_ENTRIES":            &c.Cache.MaxEntries,
		"FETCH_CONCURRENCY":            &c.Cache.FetchConcurrency,
		"PERSISTENT_CACHE_MAX_ENTRIES": &c.PersistentCache.MaxEntries,
		"RETRY_MAX_ATTEMPTS":           &c.Network.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return errors.Newf(errors.ErrCodeInvalidConfig, "%s%s: %q is not an integer", EnvPrefix, key, val).
					WithComponent("config")
			}
			*dst = n
		}
	}

	if val := os.Getenv(EnvPrefix + "COALESCE_GAP"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Newf(errors.ErrCodeInvalidConfig, "%sCOALESCE_GAP: %q is not an integer", EnvPrefix, val).
				WithComponent("config")
		}
		c.Cache.CoalesceGap = n
	}

	bools := map[string]*bool{
		"PREFETCH":                 &c.Cache.Prefetch,
		"PERSISTENT_CACHE_ENABLED": &c.PersistentCache.Enabled,
		"CHECK_INTEGRITY":          &c.PersistentCache.CheckIntegrity,
		"PARTIAL_CACHING":          &c.PersistentCache.PartialCaching,
		"PERSISTENT_CACHE_ALL":     &c.PersistentCache.CacheAll,
		"S3_FORCE_PATH_STYLE":      &c.S3.ForcePathStyle,
		"CIRCUIT_BREAKER_ENABLED":  &c.Network.CircuitBreaker.Enabled,
	}
	for key, dst := range bools {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}

// size parses an optional size string; empty yields zero.
func size(field, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(value)
	if err != nil {
		return 0, invalid("%s: %v", field, err)
	}
	return n, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	if _, _, err := c.CacheOptions(); err != nil {
		return err
	}
	if c.Cache.MaxEntries < 0 {
		return invalid("max_cache_entries must not be negative")
	}
	if c.Cache.FetchConcurrency < 0 {
		return invalid("fetch_concurrency must not be negative")
	}

	if _, err := c.partSize(); err != nil {
		return err
	}

	if c.PersistentCache.Enabled {
		if c.PersistentCache.Directory == "" {
			return invalid("persistent_cache.directory is required when the persistent cache is enabled")
		}
		if _, err := size("persistent_cache.max_bytes", c.PersistentCache.MaxBytes); err != nil {
			return err
		}
		if c.PersistentCache.MaxEntries < 0 {
			return invalid("persistent_cache.max_entries must not be negative")
		}
	}

	if c.Network.Retry.MaxAttempts < 0 {
		return invalid("retry.max_attempts must not be negative")
	}
	if c.Network.CircuitBreaker.Enabled && c.Network.CircuitBreaker.FailureThreshold <= 0 {
		return invalid("circuit_breaker.failure_threshold must be greater than 0")
	}

	return nil
}

// CacheOptions projects the cache section onto a policy kind and options.
func (c *Configuration) CacheOptions() (cache.Kind, cache.Options, error) {
	kind, err := cache.ParseKind(c.Cache.Policy)
	if err != nil {
		return "", cache.Options{}, err
	}

	opts := cache.Options{
		MaxBlocks:        c.Cache.MaxEntries,
		CoalesceGap:      c.Cache.CoalesceGap,
		FetchConcurrency: c.Cache.FetchConcurrency,
		Prefetch:         c.Cache.Prefetch,
	}
	if opts.BlockSize, err = size("block_size", c.Cache.BlockSize); err != nil {
		return "", cache.Options{}, err
	}
	if opts.MaxBytes, err = size("max_cache_bytes", c.Cache.MaxBytes); err != nil {
		return "", cache.Options{}, err
	}
	if opts.MaxWholeFileBytes, err = size("max_whole_file_bytes", c.Cache.MaxWholeFileBytes); err != nil {
		return "", cache.Options{}, err
	}
	if opts.WindowSize, err = size("window_size", c.Cache.WindowSize); err != nil {
		return "", cache.Options{}, err
	}
	return kind, opts, nil
}

func (c *Configuration) partSize() (int64, error) {
	return size("write.part_size", c.Write.PartSize)
}

// FileOptions projects the configuration onto BufferedFile options.
func (c *Configuration) FileOptions() (file.Options, error) {
	kind, opts, err := c.CacheOptions()
	if err != nil {
		return file.Options{}, err
	}
	partSize, err := c.partSize()
	if err != nil {
		return file.Options{}, err
	}
	return file.Options{Policy: kind, Cache: opts, PartSize: partSize}, nil
}

// StoreConfig projects the persistent cache section onto a store config.
func (c *Configuration) StoreConfig() (cache.StoreConfig, error) {
	maxBytes, err := size("persistent_cache.max_bytes", c.PersistentCache.MaxBytes)
	if err != nil {
		return cache.StoreConfig{}, err
	}
	return cache.StoreConfig{
		Directory:      c.PersistentCache.Directory,
		MaxBytes:       maxBytes,
		MaxEntries:     c.PersistentCache.MaxEntries,
		CheckIntegrity: c.PersistentCache.CheckIntegrity,
	}, nil
}

// RetryConfig projects the network retry section.
func (c *Configuration) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	if c.Network.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = c.Network.Retry.MaxAttempts
	}
	if c.Network.Retry.InitialDelay > 0 {
		rc.InitialDelay = c.Network.Retry.InitialDelay
	}
	if c.Network.Retry.MaxDelay > 0 {
		rc.MaxDelay = c.Network.Retry.MaxDelay
	}
	return rc
}

// BreakerConfig projects the circuit breaker section. The bool reports
// whether the breaker is enabled.
func (c *Configuration) BreakerConfig() (circuit.Config, bool) {
	cb := c.Network.CircuitBreaker
	return circuit.Config{
		FailureThreshold: uint32(max(cb.FailureThreshold, 0)),
		Timeout:          cb.Timeout,
	}, cb.Enabled
}

// BackendConfig projects the s3 and network sections onto an S3 backend
// config. Credentials come from the SDK's default chain.
func (c *Configuration) BackendConfig() *s3.Config {
	sc := s3.NewDefaultConfig()
	if c.S3.Region != "" {
		sc.Region = c.S3.Region
	}
	sc.Endpoint = c.S3.Endpoint
	sc.ForcePathStyle = c.S3.ForcePathStyle
	sc.Retry = c.RetryConfig()
	sc.CircuitBreaker, sc.CircuitBreakerEnabled = c.BreakerConfig()
	return sc
}

// LoggingOpts projects the global section onto logger options.
func (c *Configuration) LoggingOpts() utils.LoggingOpts {
	return utils.LoggingOpts{
		Level:  c.Global.LogLevel,
		Format: c.Global.LogFormat,
		File:   c.Global.LogFile,
	}
}
