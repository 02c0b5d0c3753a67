package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the dashboard service.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	UpstreamEnabled      bool
	UpstreamBaseURL      string
	UpstreamTimeout      time.Duration
	UpstreamRateLimit    float64
	UpstreamRateBurst    int
	BreakerMaxRequests   int
	BreakerInterval      time.Duration
	BreakerOpenTimeout   time.Duration
	BreakerTripThreshold int

	TopTestsLimit    int
	AlertsLimit      int
	SnapshotRefresh  time.Duration
	SnapshotPrefetch bool

	SummaryPollInterval   time.Duration
	SummaryPollMaxElapsed time.Duration
	SummaryCacheSize      int
	SummaryCacheTTL       time.Duration

	TranscriptSQLitePath string
}

// FromEnv loads configuration from environment variables with sensible defaults.
func FromEnv() Config {
	loadConfigDefaultsFromFile()

	return Config{
		ListenAddr:            getEnv("APP_LISTEN_ADDR", ":8080"),
		ReadTimeout:           time.Duration(getEnvInt("APP_READ_TIMEOUT_SEC", 10)) * time.Second,
		WriteTimeout:          time.Duration(getEnvInt("APP_WRITE_TIMEOUT_SEC", 20)) * time.Second,
		ShutdownTimeout:       time.Duration(getEnvInt("APP_SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
		LogLevel:              getEnv("APP_LOG_LEVEL", "info"),
		LogFormat:             getEnv("APP_LOG_FORMAT", "json"),
		UpstreamEnabled:       getEnvBool("APP_UPSTREAM_ENABLED", true),
		UpstreamBaseURL:       getEnv("APP_UPSTREAM_BASE_URL", "http://127.0.0.1:8000"),
		UpstreamTimeout:       time.Duration(getEnvInt("APP_UPSTREAM_TIMEOUT_SEC", 10)) * time.Second,
		UpstreamRateLimit:     getEnvFloat("APP_UPSTREAM_RATE_LIMIT", 20),
		UpstreamRateBurst:     getEnvInt("APP_UPSTREAM_RATE_BURST", 10),
		BreakerMaxRequests:    getEnvInt("APP_BREAKER_MAX_REQUESTS", 3),
		BreakerInterval:       time.Duration(getEnvInt("APP_BREAKER_INTERVAL_SEC", 30)) * time.Second,
		BreakerOpenTimeout:    time.Duration(getEnvInt("APP_BREAKER_OPEN_TIMEOUT_SEC", 30)) * time.Second,
		BreakerTripThreshold:  getEnvInt("APP_BREAKER_TRIP_FAILURES", 5),
		TopTestsLimit:         getEnvInt("APP_TOP_TESTS_LIMIT", 10),
		AlertsLimit:           getEnvInt("APP_ALERTS_LIMIT", 5),
		SnapshotRefresh:       time.Duration(getEnvInt("APP_SNAPSHOT_REFRESH_SEC", 5)) * time.Second,
		SnapshotPrefetch:      getEnvBool("APP_SNAPSHOT_PREFETCH", false),
		SummaryPollInterval:   time.Duration(getEnvInt("APP_SUMMARY_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		SummaryPollMaxElapsed: time.Duration(getEnvInt("APP_SUMMARY_POLL_MAX_SEC", 120)) * time.Second,
		SummaryCacheSize:      getEnvInt("APP_SUMMARY_CACHE_SIZE", 256),
		SummaryCacheTTL:       time.Duration(getEnvInt("APP_SUMMARY_CACHE_TTL_SEC", 600)) * time.Second,
		TranscriptSQLitePath:  getEnv("APP_TRANSCRIPT_SQLITE_PATH", ""),
	}
}

func loadConfigDefaultsFromFile() {
	candidates := make([]string, 0, 3)
	if explicit := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates, "./lab-report-dashboard.env", "/etc/lab-report-dashboard/config.env")

	for _, candidate := range candidates {
		abs := candidate
		if !filepath.IsAbs(candidate) {
			if wd, err := os.Getwd(); err == nil {
				abs = filepath.Join(wd, candidate)
			}
		}

		if err := applyEnvDefaultsFromFile(abs); err == nil {
			return
		}
	}
}

// applyEnvDefaultsFromFile sets KEY=VALUE pairs from path without overriding
// variables already present in the environment.
func applyEnvDefaultsFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}

		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key == "" {
			continue
		}

		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}

		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}

	return scanner.Err()
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvFloat(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return parsed
}
