// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Run modes. dev archives documents locally; prod posts them to the RAG API.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// Sink kinds.
const (
	SinkRAG     = "rag"
	SinkArchive = "archive"
)

// Storage backends for fallback records and the archive sink.
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

const appName = "knowledge-ingest"

// Config captures all knobs loaded via Viper.
type Config struct {
	Mode     string         `mapstructure:"mode"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Content  ContentConfig  `mapstructure:"content"`
	Classify ClassifyConfig `mapstructure:"classify"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourcesConfig holds the built-in seed list.
type SourcesConfig struct {
	DefaultURLs []string `mapstructure:"default_urls"`
}

// CrawlConfig governs fetching and frontier expansion.
type CrawlConfig struct {
	MaxWorkers      int     `mapstructure:"max_workers"`
	MaxDepth        int     `mapstructure:"max_depth"`
	MaxPages        int     `mapstructure:"max_pages"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	Timeout         int     `mapstructure:"timeout"`
	MaxFetchRetries int     `mapstructure:"max_fetch_retries"`
	RenderJS        string  `mapstructure:"render_js"`
	UserAgent       string  `mapstructure:"user_agent"`
	RespectRobots   bool    `mapstructure:"respect_robots"`
	NavTimeout      int     `mapstructure:"nav_timeout"`
	// BlockedDomains lists hosts never crawled; "*.example.org" blocks a suffix.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// ContentConfig tunes the quality gate.
type ContentConfig struct {
	MinContentLength int     `mapstructure:"min_content_length"`
	MinQualityScore  float64 `mapstructure:"min_quality_score"`
	Readability      bool    `mapstructure:"readability"`
}

// DomainConfig is one keyword list. A zero Threshold uses ClassifyConfig.Threshold.
type DomainConfig struct {
	Keywords  []string `mapstructure:"keywords"`
	Threshold float64  `mapstructure:"threshold"`
}

// ClassifyConfig is the keyword table.
type ClassifyConfig struct {
	Threshold     float64                 `mapstructure:"threshold"`
	DefaultDomain string                  `mapstructure:"default_domain"`
	Domains       map[string]DomainConfig `mapstructure:"domains"`
}

// CircuitConfig tunes the per-(sink, domain) breakers.
type CircuitConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	Cooldown         int `mapstructure:"cooldown"`
}

// BatchConfig enables grouped sink calls.
type BatchConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxSize  int  `mapstructure:"max_size"`
	WindowMs int  `mapstructure:"window_ms"`
}

// DeliveryConfig controls retries. Delays are in seconds.
type DeliveryConfig struct {
	BaseDelay   float64       `mapstructure:"base_delay"`
	MaxDelay    float64       `mapstructure:"max_delay"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     int           `mapstructure:"timeout"`
	Jitter      float64       `mapstructure:"jitter"`
	GracePeriod int           `mapstructure:"grace_period"`
	Circuit     CircuitConfig `mapstructure:"circuit"`
	Batch       BatchConfig   `mapstructure:"batch"`
}

// HTTPSinkConfig describes the RAG API.
type HTTPSinkConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// BlobConfig selects a blob backend.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// SinkConfig picks the remote sink. An empty Kind follows Mode.
type SinkConfig struct {
	Kind    string         `mapstructure:"kind"`
	HTTP    HTTPSinkConfig `mapstructure:"http"`
	Archive BlobConfig     `mapstructure:"archive"`
}

// FallbackConfig selects where undeliverable documents go.
type FallbackConfig = BlobConfig

// LedgerConfig enables the Postgres outcome ledger when DSN is set.
type LedgerConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig enables outcome notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AdminConfig configures the optional admin HTTP server. A non-empty APIKey
// is required in the X-API-Key header of every request.
type AdminConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with explicit overrides keyed by config path (for example
// "crawl.max_workers"). Overrides win over the file and the environment and
// are validated like any other value.
func LoadWith(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment is given.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// bindLegacyEnv keeps the environment variable names of earlier scraper
// releases working. The INGEST_ name wins when both are set.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"sink.http.api_key": "RAG_API_KEY",
		"crawl.max_workers": "SCRAPER_MAX_WORKERS",
		"logging.level":     "LOG_LEVEL",
		"mode":              "SCRAPER_MODE",
	}
	for key, env := range legacy {
		modern := "INGEST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, modern, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDev)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("sources.default_urls", DefaultURLs())
	v.SetDefault("crawl.max_workers", 10)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.rate_limit", 1.0)
	v.SetDefault("crawl.timeout", 30)
	v.SetDefault("crawl.max_fetch_retries", 2)
	v.SetDefault("crawl.render_js", "never")
	v.SetDefault("crawl.user_agent", "knowledge-ingest/1.0 (+https://github.com/JakeFAU/knowledge-ingest)")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.nav_timeout", 25)
	v.SetDefault("crawl.blocked_domains", []string{})
	v.SetDefault("content.min_content_length", 100)
	v.SetDefault("content.min_quality_score", 0.0)
	v.SetDefault("content.readability", false)
	v.SetDefault("classify.threshold", 0.01)
	v.SetDefault("classify.default_domain", "general")
	v.SetDefault("delivery.base_delay", 1.0)
	v.SetDefault("delivery.max_delay", 60.0)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.timeout", 30)
	v.SetDefault("delivery.jitter", 0.25)
	v.SetDefault("delivery.grace_period", 10)
	v.SetDefault("delivery.circuit.failure_threshold", 5)
	v.SetDefault("delivery.circuit.cooldown", 60)
	v.SetDefault("delivery.batch.enabled", false)
	v.SetDefault("delivery.batch.max_size", 10)
	v.SetDefault("delivery.batch.window_ms", 500)
	v.SetDefault("sink.kind", "")
	v.SetDefault("sink.archive.backend", BackendFS)
	v.SetDefault("sink.archive.dir", filepath.Join(xdg.DataHome, appName, "docs"))
	v.SetDefault("fallback.backend", BackendFS)
	v.SetDefault("fallback.dir", filepath.Join(xdg.DataHome, appName, "fallback"))
}

func (c *Config) applyDerived() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Crawl.RenderJS = strings.ToLower(strings.TrimSpace(c.Crawl.RenderJS))
	if c.Sink.Kind == "" {
		c.Sink.Kind = SinkArchive
		if c.Mode == ModeProd {
			c.Sink.Kind = SinkRAG
		}
	}
	if len(c.Classify.Domains) == 0 {
		c.Classify.Domains = DefaultDomains()
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Mode != ModeDev && c.Mode != ModeProd {
		add("mode must be %q or %q", ModeDev, ModeProd)
	}
	if c.Crawl.MaxWorkers <= 0 {
		add("crawl.max_workers must be > 0")
	}
	if c.Crawl.MaxDepth < 0 {
		add("crawl.max_depth must be >= 0")
	}
	if c.Crawl.MaxPages < 0 {
		add("crawl.max_pages must be >= 0")
	}
	if c.Crawl.RateLimit < 0 {
		add("crawl.rate_limit must be >= 0")
	}
	if c.Crawl.Timeout <= 0 {
		add("crawl.timeout must be > 0")
	}
	if c.Crawl.MaxFetchRetries < 0 {
		add("crawl.max_fetch_retries must be >= 0")
	}
	switch c.Crawl.RenderJS {
	case "never", "always", "auto":
	default:
		add("crawl.render_js must be never, always or auto")
	}
	if c.Content.MinContentLength < 0 {
		add("content.min_content_length must be >= 0")
	}
	if c.Content.MinQualityScore < 0 || c.Content.MinQualityScore > 1 {
		add("content.min_quality_score must be within [0,1]")
	}
	if c.Classify.Threshold < 0 {
		add("classify.threshold must be >= 0")
	}
	if strings.TrimSpace(c.Classify.DefaultDomain) == "" {
		add("classify.default_domain is required")
	}
	for _, name := range c.DomainNames() {
		if len(c.Classify.Domains[name].Keywords) == 0 {
			add("classify.domains.%s.keywords must not be empty", name)
		}
	}
	for _, pair := range bucketCollisions(c.DomainNames(), c.Classify.DefaultDomain) {
		add("classify domains %q and %q share fallback bucket %q", pair[0], pair[1], fallback.Bucket(pair[0]))
	}
	if c.Delivery.MaxRetries <= 0 {
		add("delivery.max_retries must be > 0")
	}
	if c.Delivery.BaseDelay <= 0 {
		add("delivery.base_delay must be > 0")
	}
	if c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		add("delivery.max_delay must be >= delivery.base_delay")
	}
	if c.Delivery.Timeout <= 0 {
		add("delivery.timeout must be > 0")
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter > 1 {
		add("delivery.jitter must be within [0,1]")
	}
	if c.Delivery.Circuit.FailureThreshold <= 0 {
		add("delivery.circuit.failure_threshold must be > 0")
	}
	if c.Delivery.Circuit.Cooldown < 0 {
		add("delivery.circuit.cooldown must be >= 0")
	}
	if c.Delivery.Batch.Enabled && c.Delivery.Batch.MaxSize <= 0 {
		add("delivery.batch.max_size must be > 0 when batching is enabled")
	}
	switch c.Sink.Kind {
	case SinkRAG:
		if strings.TrimSpace(c.Sink.HTTP.BaseURL) == "" {
			add("sink.http.base_url is required for the rag sink")
		}
	case SinkArchive:
		validateBlob("sink.archive", c.Sink.Archive, false, add)
	default:
		add("sink.kind must be %q or %q", SinkRAG, SinkArchive)
	}
	validateBlob("fallback", c.Fallback, true, add)
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		add("pubsub.project_id and pubsub.topic_name must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func validateBlob(prefix string, b BlobConfig, allowBadger bool, add func(string, ...any)) {
	switch b.Backend {
	case BackendFS:
		if strings.TrimSpace(b.Dir) == "" {
			add("%s.dir is required for the fs backend", prefix)
		}
	case BackendBadger:
		if !allowBadger {
			add("%s.backend %q is not supported", prefix, b.Backend)
		} else if strings.TrimSpace(b.Dir) == "" {
			add("%s.dir is required for the badger backend", prefix)
		}
	case BackendGCS:
		if strings.TrimSpace(b.GCSBucket) == "" {
			add("%s.gcs_bucket is required for the gcs backend", prefix)
		}
	case BackendMemory:
	default:
		add("%s.backend must be fs, badger, gcs or memory", prefix)
	}
}

// DomainNames returns the configured domain names, sorted.
func (c Config) DomainNames() []string {
	names := make([]string, 0, len(c.Classify.Domains))
	for name := range c.Classify.Domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchTimeout is the per-fetch deadline.
func (c CrawlConfig) FetchTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// NavigationTimeout bounds headless page loads.
func (c CrawlConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavTimeout) * time.Second
}

// RateInterval is the minimum spacing between requests to one host.
func (c CrawlConfig) RateInterval() time.Duration {
	return time.Duration(c.RateLimit * float64(time.Second))
}

// BaseDelayDuration converts BaseDelay.
func (c DeliveryConfig) BaseDelayDuration() time.Duration {
	return time.Duration(c.BaseDelay * float64(time.Second))
}

// MaxDelayDuration converts MaxDelay.
func (c DeliveryConfig) MaxDelayDuration() time.Duration {
	return time.Duration(c.MaxDelay * float64(time.Second))
}

// CallTimeout bounds each sink call.
func (c DeliveryConfig) CallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Grace bounds fallback writes after cancellation.
func (c DeliveryConfig) Grace() time.Duration {
	return time.Duration(c.GracePeriod) * time.Second
}

// CooldownDuration converts the circuit cooldown.
func (c CircuitConfig) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldown) * time.Second
}

// Window converts the batch window.
func (c BatchConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// bucketCollisions returns pairs of distinct domain names that map to the same
// fallback bucket. Records of such domains would overwrite each other.
func bucketCollisions(names []string, defaultDomain string) [][2]string {
	if d := strings.TrimSpace(defaultDomain); d != "" {
		names = append(append([]string(nil), names...), d)
	}
	seen := make(map[string]string, len(names))
	var out [][2]string
	for _, name := range names {
		bucket := fallback.Bucket(name)
		prev, ok := seen[bucket]
		switch {
		case !ok:
			seen[bucket] = name
		case prev != name:
			out = append(out, [2]string{prev, name})
		}
	}
	return out
}
