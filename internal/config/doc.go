/*
Package config loads fscache configuration from YAML files and FSCACHE_*
environment variables.

Precedence, highest first: environment variables, the configuration file,
compiled-in defaults from NewDefault.

# Example

	global:
	  log_level: INFO
	  log_format: json
	  metrics_addr: ":9100"

	cache:
	  cache_policy: readahead
	  block_size: 5MB
	  max_cache_entries: 32
	  max_cache_bytes: 256MB
	  coalesce_gap: 0
	  prefetch: true

	persistent_cache:
	  enabled: true
	  directory: /var/cache/fscache
	  max_bytes: 10GB
	  check_integrity: false

	write:
	  part_size: 8MB

	network:
	  retry:
	    max_attempts: 3
	    initial_delay: 100ms
	    max_delay: 5s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 30s

Sizes accept plain byte counts or binary-unit strings such as "64KB" and
"1.5GB". A negative coalesce_gap disables merging of neighbouring block
fetches; zero merges only adjacent blocks.

The projections CacheOptions, FileOptions, StoreConfig, RetryConfig,
BreakerConfig and LoggingOpts turn a validated Configuration into the option
structs consumed by the rest of the module.
*/
package config
