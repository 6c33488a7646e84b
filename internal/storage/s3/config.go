package s3

import (
	"time"

	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/retry"
)

// Config represents S3 backend configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// RequestTimeout bounds each SDK call attempt. Zero means no limit
	// beyond the caller's context.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MinPartSize is advertised to writers as the smallest non-final part.
	MinPartSize int64 `yaml:"min_part_size"`

	Retry retry.Config `yaml:"retry"`

	// CircuitBreaker guards every request when CircuitBreakerEnabled is set.
	CircuitBreakerEnabled bool           `yaml:"circuit_breaker_enabled"`
	CircuitBreaker        circuit.Config `yaml:"circuit_breaker"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:                "us-east-1",
		RequestTimeout:        30 * time.Second,
		MinPartSize:           MinPartSize,
		Retry:                 retry.DefaultConfig(),
		CircuitBreakerEnabled: true,
		CircuitBreaker: circuit.Config{
			FailureThreshold: 5,
			MaxRequests:      1,
			Timeout:          30 * time.Second,
		},
	}
}

// Validate checks the configuration for values S3 would reject.
func (c *Config) Validate() error {
	if c.MinPartSize != 0 && c.MinPartSize < MinPartSize {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"min_part_size %d is below the S3 minimum of %d", c.MinPartSize, MinPartSize).
			WithComponent("s3")
	}
	if c.RequestTimeout < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "request_timeout cannot be negative").WithComponent("s3")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New(errors.ErrCodeInvalidConfig, "access_key_id and secret_access_key must be set together").
			WithComponent("s3")
	}
	return nil
}
