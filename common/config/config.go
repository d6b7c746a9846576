package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Package config holds all runtime configuration, loaded once from the
// environment at startup. A .env file is honored in development.

var (
	// APIPrefix is prepended to every client-facing route, e.g. /imaas/v1/chat/completions.
	APIPrefix = "/imaas"

	Port = 3000

	DatabaseDSN  = ""
	DatabaseType = "sqlite"

	RedisHost     = "localhost"
	RedisPort     = 6379
	RedisPassword = ""
	// RedisPrefix namespaces every key, stream and sorted set in the shared store.
	RedisPrefix = "imaas:"

	BillingEnabled = true
	// LimiterFailOpen admits requests when the limiter itself fails.
	// Keeping the gateway up is preferred over strict enforcement.
	LimiterFailOpen = true

	DefaultRPM = 1000
	DefaultTPM = 10000

	HealthCheckInterval   = 5 * time.Second
	HealthChangeThreshold = 2
	BillingTaskInterval   = 600 * time.Second
	GlobalJobExpire       = 600 * time.Second
	BalanceCacheExpire    = 480 * time.Second

	// ThinkModels holds comma-separated regexps of model names whose output
	// carries a </think> delimited reasoning prefix.
	ThinkModels = "DeepSeek-R1.*,QwQ-32B,Qwen3.*"

	// RelayProxy optionally routes all upstream model traffic through an
	// HTTP proxy.
	RelayProxy   = ""
	RelayTimeout = 300 * time.Second

	APIEventQueueMaxLen    int64 = 1000
	ServerEventQueueMaxLen int64 = 100

	OpenSearchEnabled  = true
	OpenSearchHost     = "https://localhost:9200"
	OpenSearchUser     = "admin"
	OpenSearchPassword = "admin"
	APILogExpireDays   = 7

	PrometheusHost = "localhost:9090"

	UpstreamBillingHost = ""
	UpstreamZone        = ""

	// AccountMapping rewrites local user ids to upstream billing accounts,
	// parsed from "local:remote,local2:remote2".
	AccountMapping = map[string]string{}

	// CustomProducts overrides the upstream product catalog with a JSON array,
	// used in tests and air-gapped deployments.
	CustomProducts = ""

	MaxSingleFileSize int64 = 500 * 1024 * 1024
	MaxFileCounts           = 50
	MaxTotalFileSize  int64 = 5 * 1024 * 1024 * 1024
	FileRetentionDays       = 30
	UserFileDir             = "/file_set"

	DebugEnabled = false
)

// Load reads configuration from the environment, falling back to the
// defaults above. Missing .env is not an error.
func Load() {
	_ = godotenv.Load()

	APIPrefix = envString("API_PREFIX", APIPrefix)
	Port = envInt("PORT", Port)
	DatabaseDSN = envString("DB_DSN", DatabaseDSN)
	DatabaseType = envString("DB_TYPE", DatabaseType)

	RedisHost = envString("REDIS_HOST", RedisHost)
	RedisPort = envInt("REDIS_PORT", RedisPort)
	RedisPassword = envString("REDIS_PASSWORD", RedisPassword)
	RedisPrefix = envString("REDIS_PREFIX", RedisPrefix)

	BillingEnabled = envBool("BILLING_ENABLE", BillingEnabled)
	LimiterFailOpen = envBool("LIMITER_FAIL_OPEN", LimiterFailOpen)
	DefaultRPM = envInt("DEFAULT_RPM", DefaultRPM)
	DefaultTPM = envInt("DEFAULT_TPM", DefaultTPM)

	HealthCheckInterval = envSeconds("HEALTH_CHECK_INTERVAL", HealthCheckInterval)
	HealthChangeThreshold = envInt("HEALTH_CHANGE_THRESHOLD", HealthChangeThreshold)
	BillingTaskInterval = envSeconds("BILLING_TASK_INTERVAL", BillingTaskInterval)
	GlobalJobExpire = envSeconds("GLOBAL_JOB_EXPIRE", GlobalJobExpire)
	BalanceCacheExpire = envSeconds("EXP_TIME_BAL_ENOUGH", BalanceCacheExpire)

	ThinkModels = envString("THINK_MODELS", ThinkModels)
	RelayProxy = envString("RELAY_PROXY", RelayProxy)
	RelayTimeout = envSeconds("RELAY_TIMEOUT", RelayTimeout)

	APIEventQueueMaxLen = int64(envInt("API_EVENT_QUEUE_MAX_LEN", int(APIEventQueueMaxLen)))
	ServerEventQueueMaxLen = int64(envInt("SERVER_EVENT_QUEUE_MAX_LEN", int(ServerEventQueueMaxLen)))

	OpenSearchEnabled = envBool("OPENSEARCH_ENABLE", OpenSearchEnabled)
	OpenSearchHost = envString("OPENSEARCH_HOST", OpenSearchHost)
	OpenSearchUser = envString("OPENSEARCH_USER", OpenSearchUser)
	OpenSearchPassword = envString("OPENSEARCH_PASSWORD", OpenSearchPassword)
	APILogExpireDays = envInt("API_LOG_EXPIRE_DAYS", APILogExpireDays)

	PrometheusHost = envString("PROMETHEUS_HOST", PrometheusHost)

	UpstreamBillingHost = envString("UPSTREAM_BILLING_HOST", UpstreamBillingHost)
	UpstreamZone = envString("UPSTREAM_ZONE", UpstreamZone)
	AccountMapping = parseMapping(envString("ACCOUNT_MAPPING", ""))
	CustomProducts = envString("CUSTOM_PRODUCTS", CustomProducts)

	MaxSingleFileSize = envInt64("MAX_SINGLE_FILE_SIZE", MaxSingleFileSize)
	MaxFileCounts = envInt("MAX_FILE_COUNTS", MaxFileCounts)
	MaxTotalFileSize = envInt64("MAX_TOTAL_FILE_SIZE", MaxTotalFileSize)
	FileRetentionDays = envInt("FILE_RETENTION_DAYS", FileRetentionDays)
	UserFileDir = envString("USER_FILE_DIR", UserFileDir)

	DebugEnabled = envBool("DEBUG", DebugEnabled)
}

// MapAccount returns the upstream billing account for a local user id.
func MapAccount(userId string) string {
	if mapped, ok := AccountMapping[userId]; ok {
		return mapped
	}
	return userId
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func parseMapping(raw string) map[string]string {
	mapping := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 2)
		if len(parts) == 2 && parts[0] != "" {
			mapping[parts[0]] = parts[1]
		}
	}
	return mapping
}
