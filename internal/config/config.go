package config

import (
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/sells-group/fetchstore/internal/allowlist"
	"github.com/sells-group/fetchstore/internal/digest"
	"github.com/sells-group/fetchstore/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Manifest ManifestConfig `yaml:"manifest" mapstructure:"manifest"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures where and how fetched files are written.
type StoreConfig struct {
	UploadDir string `yaml:"upload_dir" mapstructure:"upload_dir"`
	HashAlgo  string `yaml:"hash_algo" mapstructure:"hash_algo"`
	// DirMode and FileMode are octal strings such as "0777".
	DirMode  string `yaml:"dir_mode" mapstructure:"dir_mode"`
	FileMode string `yaml:"file_mode" mapstructure:"file_mode"`
}

// FetchConfig configures HTTP retrieval.
type FetchConfig struct {
	AllowedMimeTypes []string `yaml:"allowed_mime_types" mapstructure:"allowed_mime_types"`
	UserAgent        string   `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// MaxBodySize is a size string such as "50MB".
	MaxBodySize      string  `yaml:"max_body_size" mapstructure:"max_body_size"`
	SniffMissingType bool    `yaml:"sniff_missing_type" mapstructure:"sniff_missing_type"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	// HostRateLimits holds "host=rate" overrides. Host names contain dots,
	// which viper treats as key separators, so this is a list rather than a map.
	HostRateLimits []string `yaml:"host_rate_limits" mapstructure:"host_rate_limits"`
}

// RetryConfig configures caller-side retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	// MaxQueuedRetries is stored on failed-URL queue entries.
	MaxQueuedRetries int `yaml:"max_queued_retries" mapstructure:"max_queued_retries"`
}

// CircuitConfig configures the per-host circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// ManifestConfig configures the manifest database backend.
type ManifestConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FETCHSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.upload_dir", "upload")
	v.SetDefault("store.hash_algo", digest.Default)
	v.SetDefault("store.dir_mode", "0777")
	v.SetDefault("store.file_mode", "0644")
	v.SetDefault("fetch.allowed_mime_types", allowlist.DefaultTypes)
	v.SetDefault("fetch.user_agent", "fetchstore/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_body_size", "50MB")
	v.SetDefault("fetch.sniff_missing_type", false)
	v.SetDefault("fetch.rate_limit", 20.0)
	v.SetDefault("fetch.rate_burst", 20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.max_queued_retries", 3)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("manifest.driver", "sqlite")
	v.SetDefault("manifest.database_url", "fetchstore.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// A comma-separated env value arrives as a single element.
	if len(cfg.Fetch.AllowedMimeTypes) == 1 && strings.Contains(cfg.Fetch.AllowedMimeTypes[0], ",") {
		cfg.Fetch.AllowedMimeTypes = strings.Split(cfg.Fetch.AllowedMimeTypes[0], ",")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Store.UploadDir == "" {
		errs = append(errs, "store.upload_dir is required")
	}
	if _, err := digest.Lookup(c.Store.HashAlgo); err != nil {
		errs = append(errs, "store.hash_algo: "+err.Error())
	}
	if _, err := parseMode(c.Store.DirMode); err != nil {
		errs = append(errs, "store.dir_mode: "+err.Error())
	}
	if _, err := parseMode(c.Store.FileMode); err != nil {
		errs = append(errs, "store.file_mode: "+err.Error())
	}
	if _, err := c.Fetch.MaxBodyBytes(); err != nil {
		errs = append(errs, "fetch.max_body_size: "+err.Error())
	}
	if c.Fetch.TimeoutSecs < 0 {
		errs = append(errs, "fetch.timeout_secs must be >= 0")
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, "fetch.rate_limit must be >= 0")
	}
	if _, err := c.Fetch.HostRates(); err != nil {
		errs = append(errs, "fetch.host_rate_limits: "+err.Error())
	}
	if c.Batch.MaxConcurrency < 1 || c.Batch.MaxConcurrency > 64 {
		errs = append(errs, "batch.max_concurrency must be between 1 and 64")
	}
	switch c.Manifest.Driver {
	case "none", "":
	case "sqlite", "postgres":
		if c.Manifest.DatabaseURL == "" {
			errs = append(errs, "manifest.database_url is required for driver "+c.Manifest.Driver)
		}
	default:
		errs = append(errs, "manifest.driver must be sqlite, postgres or none")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DirModeValue returns the parsed directory mode.
func (s StoreConfig) DirModeValue() (fs.FileMode, error) {
	return parseMode(s.DirMode)
}

// FileModeValue returns the parsed file mode.
func (s StoreConfig) FileModeValue() (fs.FileMode, error) {
	return parseMode(s.FileMode)
}

// MaxBodyBytes parses MaxBodySize. An empty value yields zero, meaning the
// fetcher default.
func (f FetchConfig) MaxBodyBytes() (int64, error) {
	if strings.TrimSpace(f.MaxBodySize) == "" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(strings.TrimSpace(f.MaxBodySize))); err != nil {
		return 0, eris.Wrapf(err, "invalid size %q", f.MaxBodySize)
	}
	return int64(size.Bytes()), nil
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// HostRates parses HostRateLimits for the fetcher.
func (f FetchConfig) HostRates() (map[string]rate.Limit, error) {
	if len(f.HostRateLimits) == 0 {
		return nil, nil
	}
	out := make(map[string]rate.Limit, len(f.HostRateLimits))
	for _, entry := range f.HostRateLimits {
		host, val, ok := strings.Cut(entry, "=")
		host = strings.ToLower(strings.TrimSpace(host))
		if !ok || host == "" {
			return nil, eris.Errorf("host rate %q: want host=rate", entry)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || r <= 0 {
			return nil, eris.Errorf("host rate %q: rate must be a positive number", entry)
		}
		out[host] = rate.Limit(r)
	}
	return out, nil
}

// AllowList returns the configured allow-list, or the default when empty.
func (f FetchConfig) AllowList() allowlist.List {
	l := allowlist.New(f.AllowedMimeTypes...)
	if l.Len() == 0 {
		return allowlist.Default()
	}
	return l
}

// Policy converts the retry settings. Unset values keep
// resilience.DefaultPolicy's.
func (r RetryConfig) Policy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.Attempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		p.Initial = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		p.Max = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.JitterFraction >= 0 {
		p.Jitter = r.JitterFraction
	}
	return p
}

// Breaker converts the circuit settings.
func (c CircuitConfig) Breaker() resilience.BreakerConfig {
	b := resilience.DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		b.Threshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		b.Cooldown = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return b
}

func parseMode(s string) (fs.FileMode, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if s == "" {
		return 0, eris.New("mode is empty")
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid octal mode %q", s)
	}
	if n > 0o777 {
		return 0, eris.Errorf("mode %q has bits outside 0777", s)
	}
	return fs.FileMode(n), nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
