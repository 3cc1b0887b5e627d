package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// Config holds all configuration for the fleetwatch application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL     string `json:"database_url"`
	NATSURL         string `json:"nats_url"`
	NATSStream      string `json:"nats_stream"`
	RegistryBaseURL string `json:"registry_base_url"`
	RedisAddr       string `json:"redis_addr,omitempty"`
	HTTPAddr        string `json:"http_addr"`

	RegistryTimeout    time.Duration `json:"-"`
	RegistryTimeoutStr string        `json:"registry_timeout"`

	CacheTTL    time.Duration `json:"-"`
	CacheTTLStr string        `json:"cache_ttl"`

	KnownSetTTL    time.Duration `json:"-"`
	KnownSetTTLStr string        `json:"known_set_ttl"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	DrainTimeout           time.Duration `json:"-"`
	DrainTimeoutStr        string        `json:"drain_timeout"`

	DeviceBufferSize int `json:"device_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	SyncEnabled  bool   `json:"sync_enabled"`
	SyncSchedule string `json:"sync_schedule"`

	LocationSampleLimit int `json:"location_sample_limit"`

	SeedDeviceIDs    []string `json:"seed_device_ids,omitempty"`
	FallbackDeviceID string   `json:"fallback_device_id"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		NATSURL:                    os.Getenv("NATS_URL"),
		NATSStream:                 os.Getenv("NATS_STREAM"),
		RegistryBaseURL:            os.Getenv("REGISTRY_BASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		RegistryTimeoutStr:         os.Getenv("REGISTRY_TIMEOUT"),
		CacheTTLStr:                os.Getenv("CACHE_TTL"),
		KnownSetTTLStr:             os.Getenv("KNOWN_SET_TTL"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DrainTimeoutStr:            os.Getenv("DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		MetricsPort:                os.Getenv("METRICS_PORT"),
		SyncEnabled:                os.Getenv("SYNC_ENABLED") == "true",
		SyncSchedule:               os.Getenv("SYNC_SCHEDULE"),
		FallbackDeviceID:           os.Getenv("FALLBACK_DEVICE_ID"),
		LeaderElectionEnabled:      os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if seeds := os.Getenv("SEED_DEVICE_IDS"); seeds != "" {
		for _, id := range strings.Split(seeds, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.SeedDeviceIDs = append(cfg.SeedDeviceIDs, id)
			}
		}
	}

	if bufStr := os.Getenv("DEVICE_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.DeviceBufferSize = n
		} else {
			log.Printf("config: invalid DEVICE_BUFFER_SIZE %q (must be a positive integer), using default 64", bufStr)
		}
	}
	if cfg.DeviceBufferSize == 0 {
		cfg.DeviceBufferSize = 64
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}
	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	if limitStr := os.Getenv("LOCATION_SAMPLE_LIMIT"); limitStr != "" {
		if n, err := parseInt(limitStr); err == nil && n > 0 {
			cfg.LocationSampleLimit = n
		} else {
			log.Printf("config: invalid LOCATION_SAMPLE_LIMIT %q (must be a positive integer), using default 10", limitStr)
		}
	}
	if cfg.LocationSampleLimit == 0 {
		cfg.LocationSampleLimit = 10
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 911217", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 911217
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.NATSStream == "" {
		cfg.NATSStream = "TELEMETRY"
	}
	if cfg.RegistryTimeoutStr == "" {
		cfg.RegistryTimeoutStr = "10s"
	}
	if cfg.CacheTTLStr == "" {
		cfg.CacheTTLStr = "5m"
	}
	if cfg.KnownSetTTLStr == "" {
		cfg.KnownSetTTLStr = "1h"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DrainTimeoutStr == "" {
		cfg.DrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = "0 */6 * * *"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.RegistryTimeoutStr); err == nil {
		cfg.RegistryTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CacheTTLStr); err == nil {
		cfg.CacheTTL = d
	}
	if d, err := time.ParseDuration(cfg.KnownSetTTLStr); err == nil {
		cfg.KnownSetTTL = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DrainTimeoutStr); err == nil {
		cfg.DrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an unsigned integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string   `json:"database_url"`
		NATSURL                 string   `json:"nats_url"`
		NATSStream              string   `json:"nats_stream"`
		RegistryBaseURL         string   `json:"registry_base_url"`
		RedisAddr               string   `json:"redis_addr,omitempty"`
		HTTPAddr                string   `json:"http_addr"`
		RegistryTimeout         string   `json:"registry_timeout"`
		CacheTTL                string   `json:"cache_ttl"`
		KnownSetTTL             string   `json:"known_set_ttl"`
		DBOpTimeout             string   `json:"db_op_timeout"`
		DBMaxOpenConns          int      `json:"db_max_open_conns"`
		DBMaxIdleConns          int      `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string   `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string   `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string   `json:"http_shutdown_timeout"`
		DrainTimeout            string   `json:"drain_timeout"`
		DeviceBufferSize        int      `json:"device_buffer_size"`
		MetricsEnabled          bool     `json:"metrics_enabled"`
		MetricsPath             string   `json:"metrics_path"`
		MetricsPort             string   `json:"metrics_port"`
		CircuitBreakerThreshold int      `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string   `json:"circuit_breaker_cooldown"`
		SyncEnabled             bool     `json:"sync_enabled"`
		SyncSchedule            string   `json:"sync_schedule"`
		LocationSampleLimit     int      `json:"location_sample_limit"`
		SeedDeviceIDs           []string `json:"seed_device_ids,omitempty"`
		FallbackDeviceID        string   `json:"fallback_device_id"`
		LeaderElectionEnabled   bool     `json:"leader_election_enabled"`
		LeaderLockKey           int64    `json:"leader_lock_key"`
		LeaderRetryInterval     string   `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string   `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		NATSURL:                 maskSecret(c.NATSURL),
		NATSStream:              c.NATSStream,
		RegistryBaseURL:         c.RegistryBaseURL,
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		RegistryTimeout:         c.RegistryTimeoutStr,
		CacheTTL:                c.CacheTTLStr,
		KnownSetTTL:             c.KnownSetTTLStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		DrainTimeout:            c.DrainTimeoutStr,
		DeviceBufferSize:        c.DeviceBufferSize,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		SyncEnabled:             c.SyncEnabled,
		SyncSchedule:            c.SyncSchedule,
		LocationSampleLimit:     c.LocationSampleLimit,
		SeedDeviceIDs:           c.SeedDeviceIDs,
		FallbackDeviceID:        c.FallbackDeviceID,
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "nats://", "tls://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
