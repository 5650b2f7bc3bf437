package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// BreakerConfig represents tunable settings for one named breaker
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetRedisConfig returns the session-mirror breaker configuration from environment variables
func GetRedisConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// GetProviderConfig returns the outbound-provider breaker configuration from environment variables.
// Providers are slow by nature, so the open timeout is generous: a half-open probe
// against a still-degraded model endpoint costs a full request budget.
func GetProviderConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_PROVIDER_MAX_REQUESTS", 2),
		Interval:         getEnvDuration("CB_PROVIDER_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_PROVIDER_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_PROVIDER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 2),
	}
}

// GetDatabaseConfig returns the archive-database breaker configuration from environment variables
func GetDatabaseConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts BreakerConfig to circuit breaker Config
func (bc BreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      bc.MaxRequests,
		Interval:         bc.Interval,
		Timeout:          bc.Timeout,
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
	}
}

func getEnvUint32(key string, fallback uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
