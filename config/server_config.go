package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds every dotted ojp.server.* option from spec.md §6, loaded the
// way the teacher's server/config.go does: flag defaults, then environment
// variables (name.replace('.','_').upper()) override them.
type ServerConfig struct {
	Port            int
	ThreadPoolSize  int
	MaxRequestSize  int
	ConnIdleTimeout time.Duration

	SessionCleanupEnabled      bool
	SessionTimeout             time.Duration
	SessionCleanupInterval     time.Duration

	SlowQuerySegregationEnabled bool
	SlowSlotPercentage          float64
	AdmissionIdleTimeout        time.Duration
	SlowSlotTimeout             time.Duration
	FastSlotTimeout             time.Duration
	UpdateGlobalAvgInterval     time.Duration

	LibsPath string

	XAPoolEnabled       bool
	XAMaxPoolSize       int
	XAMinIdle           int
	XAConnectionTimeout time.Duration
	XAIdleTimeout       time.Duration
	XAMaxLifetime       time.Duration

	LeakDetectionEnabled  bool
	LeakDetectionInterval time.Duration
	LeakDetectionTimeout  time.Duration
	LeakDetectionEnhanced bool

	DiagnosticsEnabled  bool
	DiagnosticsInterval time.Duration

	// Ordinary (non-XA) pool defaults, per datasource these are overridable.
	PoolMaxIdleConns    int
	PoolMaxOpenConns    int
	PoolConnMaxLifetime time.Duration
	PoolConnTimeout     time.Duration

	WorkerCount int
	QueueSize   int

	RateLimitEnabled           bool
	RateLimitRequestsPerSecond int
	RateLimitBurstSize         int
	RateLimitCleanupInterval   time.Duration

	QueryCacheEnabled         bool
	QueryCacheMaxSize         int
	QueryCacheTTL             time.Duration
	QueryCacheCleanupInterval time.Duration

	SQLValidationEnabled    bool
	SQLValidationStrictMode bool
	SQLValidationMaxQueryLength int
}

// DefaultServerConfig mirrors the teacher's DefaultServerConfig: reasonable
// defaults a developer can start the proxy with unmodified.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            1059, // spec.md §6 default port
		ThreadPoolSize:  50,
		MaxRequestSize:  4 << 20,
		ConnIdleTimeout: 10 * time.Minute,

		SessionCleanupEnabled:  true,
		SessionTimeout:         30 * time.Minute,
		SessionCleanupInterval: 5 * time.Minute,

		SlowQuerySegregationEnabled: true,
		SlowSlotPercentage:          0.2,
		AdmissionIdleTimeout:        5 * time.Minute,
		SlowSlotTimeout:             30 * time.Second,
		FastSlotTimeout:             5 * time.Second,
		UpdateGlobalAvgInterval:     10 * time.Second,

		LibsPath: "./ojp-libs",

		XAPoolEnabled:       true,
		XAMaxPoolSize:       20,
		XAMinIdle:           2,
		XAConnectionTimeout: 30 * time.Second,
		XAIdleTimeout:       10 * time.Minute,
		XAMaxLifetime:       30 * time.Minute,

		LeakDetectionEnabled:  true,
		LeakDetectionInterval: 60 * time.Second,
		LeakDetectionTimeout:  5 * time.Minute,
		LeakDetectionEnhanced: false,

		DiagnosticsEnabled:  false,
		DiagnosticsInterval: 30 * time.Second,

		PoolMaxIdleConns:    10,
		PoolMaxOpenConns:    20,
		PoolConnMaxLifetime: 3 * time.Minute,
		PoolConnTimeout:     10 * time.Second,

		WorkerCount: 25,
		QueueSize:   1000,

		RateLimitEnabled:           true,
		RateLimitRequestsPerSecond: 100,
		RateLimitBurstSize:         200,
		RateLimitCleanupInterval:   5 * time.Minute,

		QueryCacheEnabled:         true,
		QueryCacheMaxSize:         1000,
		QueryCacheTTL:             5 * time.Minute,
		QueryCacheCleanupInterval: 1 * time.Minute,

		SQLValidationEnabled:        true,
		SQLValidationStrictMode:     false,
		SQLValidationMaxQueryLength: 10000,
	}
}

// LoadConfigFromFlags registers flags for most options (as the teacher's server
// does), parses them, then lets environment variables override a subset of them,
// as server/config.go does for its narrower option set. Fields with neither a flag
// nor an environment override below (e.g. MaxRequestSize, ConnIdleTimeout,
// UpdateGlobalAvgInterval, the XA timeouts) keep their DefaultServerConfig values.
func LoadConfigFromFlags() *ServerConfig {
	c := DefaultServerConfig()

	flag.IntVar(&c.Port, "ojp-server-port", c.Port, "ojp.server.port")
	flag.IntVar(&c.ThreadPoolSize, "ojp-server-thread-pool-size", c.ThreadPoolSize, "ojp.server.threadPoolSize")
	flag.DurationVar(&c.SessionTimeout, "ojp-session-timeout", c.SessionTimeout, "ojp.server.sessionCleanup.timeoutMinutes")
	flag.DurationVar(&c.SessionCleanupInterval, "ojp-session-cleanup-interval", c.SessionCleanupInterval, "ojp.server.sessionCleanup.intervalMinutes")
	flag.BoolVar(&c.SlowQuerySegregationEnabled, "ojp-slow-query-segregation-enabled", c.SlowQuerySegregationEnabled, "ojp.server.slowQuerySegregation.enabled")
	flag.Float64Var(&c.SlowSlotPercentage, "ojp-slow-slot-percentage", c.SlowSlotPercentage, "ojp.server.slowQuerySegregation.slowSlotPercentage")
	flag.DurationVar(&c.SlowSlotTimeout, "ojp-slow-slot-timeout", c.SlowSlotTimeout, "ojp.server.slowQuerySegregation.slowSlotTimeout")
	flag.DurationVar(&c.FastSlotTimeout, "ojp-fast-slot-timeout", c.FastSlotTimeout, "ojp.server.slowQuerySegregation.fastSlotTimeout")
	flag.StringVar(&c.LibsPath, "ojp-libs-path", c.LibsPath, "ojp.libs.path")
	flag.BoolVar(&c.XAPoolEnabled, "ojp-xa-pool-enabled", c.XAPoolEnabled, "ojp.xa.pool.enabled")
	flag.IntVar(&c.XAMaxPoolSize, "ojp-xa-max-pool-size", c.XAMaxPoolSize, "ojp.xa.maxPoolSize")
	flag.IntVar(&c.XAMinIdle, "ojp-xa-min-idle", c.XAMinIdle, "ojp.xa.minIdle")
	flag.BoolVar(&c.LeakDetectionEnabled, "ojp-leak-detection-enabled", c.LeakDetectionEnabled, "leakDetection.enabled")
	flag.DurationVar(&c.LeakDetectionInterval, "ojp-leak-detection-interval", c.LeakDetectionInterval, "leakDetection.intervalMs")
	flag.DurationVar(&c.LeakDetectionTimeout, "ojp-leak-detection-timeout", c.LeakDetectionTimeout, "leakDetection.timeoutMs")
	flag.BoolVar(&c.DiagnosticsEnabled, "ojp-diagnostics-enabled", c.DiagnosticsEnabled, "diagnostics.enabled")
	flag.DurationVar(&c.DiagnosticsInterval, "ojp-diagnostics-interval", c.DiagnosticsInterval, "diagnostics.intervalMs")
	flag.IntVar(&c.PoolMaxIdleConns, "ojp-pool-max-idle", c.PoolMaxIdleConns, "pool maxIdleConns")
	flag.IntVar(&c.PoolMaxOpenConns, "ojp-pool-max-open", c.PoolMaxOpenConns, "pool maxOpenConns")
	flag.DurationVar(&c.PoolConnMaxLifetime, "ojp-pool-conn-lifetime", c.PoolConnMaxLifetime, "pool connMaxLifetime")
	flag.IntVar(&c.WorkerCount, "ojp-workers", c.WorkerCount, "ojp.server.threadPoolSize worker count")
	flag.IntVar(&c.QueueSize, "ojp-queue-size", c.QueueSize, "worker queue size")
	flag.BoolVar(&c.RateLimitEnabled, "ojp-rate-limit-enabled", c.RateLimitEnabled, "ojp.server.rateLimit.enabled")
	flag.IntVar(&c.RateLimitRequestsPerSecond, "ojp-rate-limit-rps", c.RateLimitRequestsPerSecond, "ojp.server.rateLimit.requestsPerSecond")
	flag.IntVar(&c.RateLimitBurstSize, "ojp-rate-limit-burst", c.RateLimitBurstSize, "ojp.server.rateLimit.burstSize")
	flag.BoolVar(&c.QueryCacheEnabled, "ojp-query-cache-enabled", c.QueryCacheEnabled, "ojp.server.queryCache.enabled")
	flag.IntVar(&c.QueryCacheMaxSize, "ojp-query-cache-max-size", c.QueryCacheMaxSize, "ojp.server.queryCache.maxSize")
	flag.DurationVar(&c.QueryCacheTTL, "ojp-query-cache-ttl", c.QueryCacheTTL, "ojp.server.queryCache.ttl")
	flag.BoolVar(&c.SQLValidationEnabled, "ojp-sql-validation-enabled", c.SQLValidationEnabled, "ojp.server.sqlValidation.enabled")
	flag.BoolVar(&c.SQLValidationStrictMode, "ojp-sql-validation-strict", c.SQLValidationStrictMode, "ojp.server.sqlValidation.strictMode")

	flag.Parse()

	c.Port = getEnvInt("OJP_SERVER_PORT", c.Port)
	c.ThreadPoolSize = getEnvInt("OJP_SERVER_THREADPOOLSIZE", c.ThreadPoolSize)
	c.SessionTimeout = getEnvDuration("OJP_SERVER_SESSIONCLEANUP_TIMEOUTMINUTES", c.SessionTimeout)
	c.SessionCleanupInterval = getEnvDuration("OJP_SERVER_SESSIONCLEANUP_INTERVALMINUTES", c.SessionCleanupInterval)
	c.SlowQuerySegregationEnabled = getEnvBool("OJP_SERVER_SLOWQUERYSEGREGATION_ENABLED", c.SlowQuerySegregationEnabled)
	c.SlowSlotPercentage = getEnvFloat64("OJP_SERVER_SLOWQUERYSEGREGATION_SLOWSLOTPERCENTAGE", c.SlowSlotPercentage)
	c.LibsPath = getEnv("OJP_LIBS_PATH", c.LibsPath)
	c.XAPoolEnabled = getEnvBool("OJP_XA_POOL_ENABLED", c.XAPoolEnabled)
	c.XAMaxPoolSize = getEnvInt("OJP_XA_MAXPOOLSIZE", c.XAMaxPoolSize)
	c.XAMinIdle = getEnvInt("OJP_XA_MINIDLE", c.XAMinIdle)
	c.RateLimitEnabled = getEnvBool("OJP_SERVER_RATELIMIT_ENABLED", c.RateLimitEnabled)
	c.RateLimitRequestsPerSecond = getEnvInt("OJP_SERVER_RATELIMIT_REQUESTSPERSECOND", c.RateLimitRequestsPerSecond)
	c.RateLimitBurstSize = getEnvInt("OJP_SERVER_RATELIMIT_BURSTSIZE", c.RateLimitBurstSize)
	c.QueryCacheEnabled = getEnvBool("OJP_SERVER_QUERYCACHE_ENABLED", c.QueryCacheEnabled)
	c.QueryCacheMaxSize = getEnvInt("OJP_SERVER_QUERYCACHE_MAXSIZE", c.QueryCacheMaxSize)
	c.SQLValidationEnabled = getEnvBool("OJP_SERVER_SQLVALIDATION_ENABLED", c.SQLValidationEnabled)

	return c
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
