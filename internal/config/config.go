// Package config loads and validates jobarchiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default source settings.
const (
	DefaultBaseURL  = "https://jobs.universityofcalifornia.edu/site/advancedsearch"
	DefaultLinkBase = "https://jobs.universityofcalifornia.edu"
	DefaultQuery    = "keywords=&job_type=Full+Time&Category%5Bcategory_id%5D=&Campus%5Bcampus_id%5D=&multiple_locations=0&search=Search"
)

// Archive backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all jobarchiver configuration knobs loaded via Viper.
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// SourceConfig describes the paginated listing source.
type SourceConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	LinkBase string `mapstructure:"link_base"`
	Query    string `mapstructure:"query"`
}

// CrawlerConfig governs the pagination loop.
type CrawlerConfig struct {
	MaxPages int    `mapstructure:"max_pages"`
	Mode     string `mapstructure:"mode"`
}

// RetentionConfig bounds how long dated listings stay archived.
type RetentionConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

// FetcherConfig configures page retrieval.
type FetcherConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Headless          bool          `mapstructure:"headless"`
	// HeadlessFallback re-fetches client-rendered pages with chromedp.
	HeadlessFallback bool          `mapstructure:"headless_fallback"`
	HeadlessTimeout  time.Duration `mapstructure:"headless_timeout"`
}

// ExtractorConfig holds the CSS selectors used to pull listings out of a page.
type ExtractorConfig struct {
	Item       string `mapstructure:"item"`
	Title      string `mapstructure:"title"`
	Location   string `mapstructure:"location"`
	Date       string `mapstructure:"date"`
	DatePrefix string `mapstructure:"date_prefix"`
}

// ArchiveConfig selects and configures the archive backend.
type ArchiveConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSObject     string `mapstructure:"gcs_object"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
	SQLitePath    string `mapstructure:"sqlite_path"`
}

// NotifyConfig holds Pub/Sub run-summary settings.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls how one-shot runs export metrics.
type MetricsConfig struct {
	TextfilePath   string `mapstructure:"textfile_path"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// ServerConfig controls the HTTP surface of serve mode.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// ProjectID enables export to Cloud Trace.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", DefaultBaseURL)
	v.SetDefault("source.link_base", DefaultLinkBase)
	v.SetDefault("source.query", DefaultQuery)
	v.SetDefault("crawler.max_pages", 250)
	v.SetDefault("crawler.mode", "incremental")
	v.SetDefault("retention.window_days", 30)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.requests_per_second", 0)
	v.SetDefault("fetcher.headless", false)
	v.SetDefault("fetcher.headless_fallback", false)
	v.SetDefault("fetcher.headless_timeout", 45*time.Second)
	v.SetDefault("extractor.item", ".jobspot")
	v.SetDefault("extractor.title", ".jtitle")
	v.SetDefault("extractor.location", ".jloc")
	v.SetDefault("extractor.date", ".jclose")
	v.SetDefault("extractor.date_prefix", "Posting Date:")
	v.SetDefault("archive.backend", BackendFile)
	v.SetDefault("archive.path", "jobs.json")
	v.SetDefault("archive.gcs_object", "jobs.json")
	v.SetDefault("archive.postgres_table", "archive_snapshots")
	v.SetDefault("archive.sqlite_path", "jobs.db")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.topic", "jobarchiver-runs")
	v.SetDefault("metrics.job_name", "jobarchiver")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "jobarchiver")

	// Registered empty so AutomaticEnv can still populate them on Unmarshal.
	for _, key := range []string{
		"archive.gcs_bucket",
		"archive.postgres_dsn",
		"notify.project_id",
		"metrics.textfile_path",
		"metrics.pushgateway_url",
		"server.api_key",
		"logging.level",
		"tracing.project_id",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validateURL("source.base_url", c.Source.BaseURL); err != nil {
		return err
	}
	if c.Source.LinkBase != "" {
		if err := validateURL("source.link_base", c.Source.LinkBase); err != nil {
			return err
		}
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	switch c.Crawler.Mode {
	case "incremental", "full":
	default:
		return fmt.Errorf("crawler.mode must be incremental or full, got %q", c.Crawler.Mode)
	}
	if c.Retention.WindowDays <= 0 {
		return fmt.Errorf("retention.window_days must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		return fmt.Errorf("fetcher.requests_per_second must be >= 0")
	}
	if (c.Fetcher.Headless || c.Fetcher.HeadlessFallback) && c.Fetcher.HeadlessTimeout <= 0 {
		return fmt.Errorf("fetcher.headless_timeout must be > 0 when headless is enabled")
	}
	if strings.TrimSpace(c.Extractor.Item) == "" || strings.TrimSpace(c.Extractor.Title) == "" {
		return fmt.Errorf("extractor.item and extractor.title must be set")
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.Notify.Enabled && (c.Notify.ProjectID == "" || c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set when notify is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case BackendFile:
		if a.Path == "" {
			return fmt.Errorf("archive.path must be set for the file backend")
		}
	case BackendMemory:
	case BackendGCS:
		if a.GCSBucket == "" || a.GCSObject == "" {
			return fmt.Errorf("archive.gcs_bucket and archive.gcs_object must be set for the gcs backend")
		}
	case BackendPostgres:
		if a.PostgresDSN == "" {
			return fmt.Errorf("archive.postgres_dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if a.SQLitePath == "" {
			return fmt.Errorf("archive.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", a.Backend)
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	return nil
}

// PageURL renders the source URL for one page number.
func (s SourceConfig) PageURL(page int) string {
	u := fmt.Sprintf("%s?page=%d", s.BaseURL, page)
	if q := strings.TrimPrefix(s.Query, "&"); q != "" {
		u += "&" + q
	}
	return u
}
