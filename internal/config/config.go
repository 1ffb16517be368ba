// Package config loads all runtime parameters from the environment,
// optionally seeded from a .env file. Malformed configuration is fatal at
// startup; nothing here is reloaded mid-flight.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backend selectors.
const (
	CacheTypeLocal  = "local"
	CacheTypeRemote = "remote"
)

// Compression algorithm selectors for snapshot bodies.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// DefaultCacheMetaTag is the HTML meta tag consulted for per-page cache
// overrides when CACHE_META_TAG is unset or invalid.
const DefaultCacheMetaTag = "x-seo-shield-cache"

var metaTagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the full runtime configuration of the proxy process.
type Config struct {
	Port      int
	TargetURL *url.URL

	CacheTTL         time.Duration
	CacheType        string
	CacheEndpoint    string
	CacheCompression string

	RenderTimeout        time.Duration
	MaxConcurrentRenders int

	NoCachePatterns []string
	CachePatterns   []string
	CacheByDefault  bool
	CacheMetaTag    string

	BotRulesFile  string
	BlocklistFile string

	ProxyWebsockets bool
	ShutdownTimeout time.Duration

	LogLevel     string
	LogFile      string
	EventLogFile string

	MetricsListen string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 8080,
		CacheTTL:             time.Hour,
		CacheType:            CacheTypeLocal,
		CacheCompression:     CompressionNone,
		RenderTimeout:        30 * time.Second,
		MaxConcurrentRenders: 5,
		CacheByDefault:       true,
		CacheMetaTag:         DefaultCacheMetaTag,
		ShutdownTimeout:      30 * time.Second,
		LogLevel:             "info",
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	rawTarget := os.Getenv("TARGET_URL")
	if rawTarget == "" {
		return nil, fmt.Errorf("TARGET_URL is required")
	}
	target, err := url.Parse(rawTarget)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("TARGET_URL %q is not an absolute URL", rawTarget)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("TARGET_URL scheme must be http or https, got %q", target.Scheme)
	}
	cfg.TargetURL = target

	if ttl, err := intEnv("CACHE_TTL", int(cfg.CacheTTL/time.Second)); err != nil {
		return nil, err
	} else if ttl <= 0 {
		return nil, fmt.Errorf("CACHE_TTL must be positive, got %d", ttl)
	} else {
		cfg.CacheTTL = time.Duration(ttl) * time.Second
	}

	if v := os.Getenv("CACHE_TYPE"); v != "" {
		if v != CacheTypeLocal && v != CacheTypeRemote {
			return nil, fmt.Errorf("CACHE_TYPE must be %q or %q, got %q", CacheTypeLocal, CacheTypeRemote, v)
		}
		cfg.CacheType = v
	}
	cfg.CacheEndpoint = os.Getenv("CACHE_ENDPOINT")
	if cfg.CacheType == CacheTypeRemote && cfg.CacheEndpoint == "" {
		return nil, fmt.Errorf("CACHE_ENDPOINT is required when CACHE_TYPE=remote")
	}

	if v := os.Getenv("CACHE_COMPRESSION"); v != "" {
		if v != CompressionNone && v != CompressionSnappy && v != CompressionLZ4 {
			return nil, fmt.Errorf("CACHE_COMPRESSION must be none, snappy or lz4, got %q", v)
		}
		cfg.CacheCompression = v
	}

	if ms, err := intEnv("PUPPETEER_TIMEOUT", int(cfg.RenderTimeout/time.Millisecond)); err != nil {
		return nil, err
	} else if ms <= 0 {
		return nil, fmt.Errorf("PUPPETEER_TIMEOUT must be positive, got %d", ms)
	} else {
		cfg.RenderTimeout = time.Duration(ms) * time.Millisecond
	}

	if cfg.MaxConcurrentRenders, err = intEnv("MAX_CONCURRENT_RENDERS", cfg.MaxConcurrentRenders); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentRenders < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_RENDERS must be at least 1, got %d", cfg.MaxConcurrentRenders)
	}

	cfg.NoCachePatterns = csvEnv("NO_CACHE_PATTERNS")
	cfg.CachePatterns = csvEnv("CACHE_PATTERNS")
	cfg.CacheByDefault = boolEnv("CACHE_BY_DEFAULT", cfg.CacheByDefault)

	if v := os.Getenv("CACHE_META_TAG"); v != "" {
		if metaTagPattern.MatchString(v) {
			cfg.CacheMetaTag = v
		}
		// Invalid names silently fall back to the default tag.
	}

	cfg.BotRulesFile = os.Getenv("BOT_RULES_FILE")
	cfg.BlocklistFile = os.Getenv("BLOCKLIST_FILE")
	cfg.ProxyWebsockets = boolEnv("PROXY_WEBSOCKETS", false)

	if sec, err := intEnv("SHUTDOWN_TIMEOUT", int(cfg.ShutdownTimeout/time.Second)); err != nil {
		return nil, err
	} else {
		cfg.ShutdownTimeout = time.Duration(sec) * time.Second
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.EventLogFile = os.Getenv("EVENT_LOG_FILE")
	cfg.MetricsListen = os.Getenv("METRICS_LISTEN")

	return cfg, nil
}

// ListenAddr returns the proxy listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func boolEnv(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func csvEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
