// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	AWSRegion    string
	InputBucket  string
	OutputBucket string
	S3Endpoint   string
	S3PathStyle  bool

	RedisAddr      string
	CacheOpTimeout time.Duration

	ModelCacheTTL time.Duration
	DataCacheTTL  time.Duration
	ModelMaxAge   time.Duration
	MemCacheSize  int

	SequenceLength int
	RecentHours    int
	ForecastHours  int

	InferenceURL string

	CustomerIDs    []string
	UpdateInterval time.Duration
	RunOnce        bool

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		AWSRegion:    getenv("AWS_REGION", "af-south-1"),
		InputBucket:  getenv("INPUT_BUCKET", "sa-api-client-input"),
		OutputBucket: getenv("OUTPUT_BUCKET", "sa-api-client-output"),
		S3Endpoint:   getenv("S3_ENDPOINT", ""),
		S3PathStyle:  getbool("S3_PATH_STYLE", false),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		ModelCacheTTL: getduration("MODEL_CACHE_TTL", time.Hour),
		DataCacheTTL:  getduration("DATA_CACHE_TTL", 30*time.Minute),
		ModelMaxAge:   getduration("MODEL_MAX_AGE", 7*24*time.Hour),
		MemCacheSize:  getint("MEM_CACHE_SIZE", 128),

		SequenceLength: getint("SEQUENCE_LENGTH", 24),
		RecentHours:    getint("RECENT_HOURS", 168),
		ForecastHours:  getint("FORECAST_HOURS", 24),

		InferenceURL: getenv("INFERENCE_URL", "http://localhost:8501/v1/predict"),

		CustomerIDs:    splitCSV(getenv("CUSTOMER_IDS", "default")),
		UpdateInterval: getduration("UPDATE_INTERVAL", time.Hour),
		RunOnce:        getbool("RUN_ONCE", false),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "model-updates"),
			GroupID: getenv("KAFKA_GROUP_ID", "edge-forecast-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
