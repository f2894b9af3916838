package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds runtime concurrency parameters used when a job definition
// leaves its own limits unset.
type Config struct {
	MaxConcurrent     int
	RequestsPerSecond float64
	MaxAttempts       int
	Source            ConfigSource
	IsKubernetes      bool
	EffectiveCPUs     int
}

// LoadConfig loads concurrency configuration with priority: env vars >
// auto-detection. Env knobs: LOOM_MAX_CONCURRENT, LOOM_REQUESTS_PER_SECOND,
// LOOM_MAX_ATTEMPTS.
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxConcurrent := getEnvInt("LOOM_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if rps := getEnvFloat("LOOM_REQUESTS_PER_SECOND", 0); rps > 0 {
		config.RequestsPerSecond = rps
	} else {
		// Provider calls dominate; default to half the concurrency cap to
		// smooth bursts the way a tighter rate cap does.
		config.RequestsPerSecond = float64(config.MaxConcurrent) / 2
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1
	}

	if attempts := getEnvInt("LOOM_MAX_ATTEMPTS", 0); attempts > 0 {
		config.MaxAttempts = attempts
	} else {
		config.MaxAttempts = 3
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxConcurrent returns sensible defaults based on environment.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion.
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// String returns a formatted representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RequestsPerSecond: %.1f, MaxAttempts: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RequestsPerSecond,
		c.MaxAttempts,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
