package config

import (
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/delay"
	"github.com/Sriram-PR/politecrawler/pkg/recrawl"
)

// CrawlerConfig holds configuration specific to a single crawler
type CrawlerConfig struct {
	StartURLs               []string       `yaml:"start_urls"`
	Sitemaps                []string       `yaml:"sitemaps,omitempty"`          // Sitemap URLs queued at depth 0
	DiscoverSitemaps        bool           `yaml:"discover_sitemaps,omitempty"` // Also read Sitemap: lines from robots.txt
	Scope                   ScopeConfig    `yaml:"scope"`
	LinkExtractionSelectors []string       `yaml:"link_extraction_selectors,omitempty"`
	DisallowedPatterns      []string       `yaml:"disallowed_patterns,omitempty"` // Regex patterns for URLs to exclude
	ContentTypeIncludes     []string       `yaml:"content_type_includes,omitempty"`
	ContentTypeExcludes     []string       `yaml:"content_type_excludes,omitempty"`
	RespectNofollow         bool           `yaml:"respect_nofollow,omitempty"`
	KeepQueryStrings        bool           `yaml:"keep_query_strings,omitempty"`
	UserAgent               string         `yaml:"user_agent,omitempty"`
	NumWorkers              int            `yaml:"num_workers,omitempty"` // 0 = global num_workers
	MaxDepth                int            `yaml:"max_depth"`             // 0 = unlimited
	Delay                   *DelayConfig   `yaml:"delay,omitempty"`       // Overrides the global delay section
	IgnoreRobotsTxt         bool           `yaml:"ignore_robots_txt,omitempty"`
	IgnoreRobotsMeta        bool           `yaml:"ignore_robots_meta,omitempty"`
	IgnoreCanonicalLinks    bool           `yaml:"ignore_canonical_links,omitempty"`
	FetchMetadataFirst      bool           `yaml:"fetch_metadata_first,omitempty"` // HEAD before GET
	MetadataChecksum        ChecksumConfig `yaml:"metadata_checksum,omitempty"`
	ContentChecksum         ChecksumConfig `yaml:"content_checksum,omitempty"`
	Recrawl                 RecrawlConfig  `yaml:"recrawl,omitempty"`
	ImportBody              *bool          `yaml:"import_body,omitempty"`
	WriteReferenceLog       *bool          `yaml:"write_reference_log,omitempty"`
	SaveRawDocuments        bool           `yaml:"save_raw_documents,omitempty"` // Pre-import copy of each accepted body
	OrphansStrategy         string         `yaml:"orphans_strategy,omitempty"`   // process | ignore

	// Compiled at validation time
	disallowedRe          []*regexp.Regexp
	contentTypeIncludesRe []*regexp.Regexp
	contentTypeExcludesRe []*regexp.Regexp
}

// Orphan strategies: what happens to previous-session references not reached this session
const (
	OrphansProcess = "process"
	OrphansIgnore  = "ignore"
)

// ScopeConfig limits which discovered URLs are followed
type ScopeConfig struct {
	AllowedDomain     string `yaml:"allowed_domain"` // Defaults to the host of the first start URL
	IncludeSubdomains bool   `yaml:"include_subdomains,omitempty"`
	StayOnPort        bool   `yaml:"stay_on_port,omitempty"`
	StayOnProtocol    bool   `yaml:"stay_on_protocol,omitempty"`
	AllowedPathPrefix string `yaml:"allowed_path_prefix,omitempty"`
}

// DelayConfig configures the politeness delay
type DelayConfig struct {
	Default                time.Duration          `yaml:"default,omitempty"`
	Scope                  string                 `yaml:"scope,omitempty"` // crawler | site | thread
	IgnoreRobotsCrawlDelay bool                   `yaml:"ignore_robots_crawl_delay,omitempty"`
	Schedules              []ScheduleConfig       `yaml:"schedules,omitempty"`
	References             []ReferenceDelayConfig `yaml:"references,omitempty"`

	// Parsed at validation time
	scope      delay.Scope
	schedules  []delay.Schedule
	references []delay.ReferenceDelay
}

// ScheduleConfig is the textual form of a delay schedule entry
type ScheduleConfig struct {
	DayOfWeek  string        `yaml:"day_of_week,omitempty"`  // e.g. "from Saturday to Sunday"
	DayOfMonth string        `yaml:"day_of_month,omitempty"` // e.g. "from 1 to 15"
	Time       string        `yaml:"time,omitempty"`         // e.g. "from 22:00 to 06:00"
	Delay      time.Duration `yaml:"delay"`
}

// ReferenceDelayConfig applies a delay to URLs matching a regex
type ReferenceDelayConfig struct {
	Pattern string        `yaml:"pattern"`
	Delay   time.Duration `yaml:"delay"`
}

// ChecksumConfig toggles a checksummer and the dedup check that relies on it
type ChecksumConfig struct {
	Disabled bool     `yaml:"disabled,omitempty"`
	Dedup    *bool    `yaml:"dedup,omitempty"`
	Fields   []string `yaml:"fields,omitempty"` // Metadata only: header names to fingerprint
}

// RecrawlConfig decides when a previously crawled reference is due again
type RecrawlConfig struct {
	SitemapSupport string               `yaml:"sitemap_support,omitempty"` // first | last | never
	MinFrequencies []MinFrequencyConfig `yaml:"min_frequencies,omitempty"`

	minFrequencies []recrawl.MinFrequency
}

// MinFrequencyConfig sets the minimum re-crawl interval for matching references
type MinFrequencyConfig struct {
	ApplyTo string `yaml:"apply_to"` // reference | content_type
	Pattern string `yaml:"pattern"`
	Value   string `yaml:"value"` // change frequency keyword or duration ("90m", "7d")
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string                   `yaml:"default_user_agent"`
	Delay                   DelayConfig              `yaml:"delay"`
	NumWorkers              int                      `yaml:"num_workers"`
	MaxRequests             int                      `yaml:"max_requests"`
	MaxRequestsPerHost      int                      `yaml:"max_requests_per_host"`
	MaxRequestsPerSecond    float64                  `yaml:"max_requests_per_second,omitempty"` // 0 = no global cap
	MaxBodyBytes            int64                    `yaml:"max_body_bytes,omitempty"`
	OutputBaseDir           string                   `yaml:"output_base_dir"`
	StateDir                string                   `yaml:"state_dir"`
	MaxRetries              int                      `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration            `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration            `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration            `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout      time.Duration            `yaml:"global_crawl_timeout,omitempty"`
	EventBufferSize         int                      `yaml:"event_buffer_size,omitempty"`
	ImportBody              bool                     `yaml:"import_body,omitempty"`
	WriteReferenceLog       bool                     `yaml:"write_reference_log,omitempty"`
	HTTPClientSettings      HTTPClientConfig         `yaml:"http_client_settings,omitempty"`
	Crawlers                map[string]CrawlerConfig `yaml:"crawlers"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	DisableHSTS           bool          `yaml:"disable_hsts,omitempty"`            // Never upgrade http URLs of hosts that sent Strict-Transport-Security
}

// DisallowedRegexps returns the compiled disallowed_patterns (after Validate).
func (c *CrawlerConfig) DisallowedRegexps() []*regexp.Regexp { return c.disallowedRe }

// ContentTypeIncludeRegexps returns the compiled content_type_includes (after Validate).
func (c *CrawlerConfig) ContentTypeIncludeRegexps() []*regexp.Regexp { return c.contentTypeIncludesRe }

// ContentTypeExcludeRegexps returns the compiled content_type_excludes (after Validate).
func (c *CrawlerConfig) ContentTypeExcludeRegexps() []*regexp.Regexp { return c.contentTypeExcludesRe }

// Options converts a validated DelayConfig into resolver options.
func (d *DelayConfig) Options() delay.Options {
	return delay.Options{
		Default:                d.Default,
		Scope:                  d.scope,
		IgnoreRobotsCrawlDelay: d.IgnoreRobotsCrawlDelay,
		ReferenceDelays:        d.references,
		Schedules:              d.schedules,
	}
}

// NewResolver builds the recrawl resolver from a validated RecrawlConfig.
func (r *RecrawlConfig) NewResolver(log *logrus.Entry) *recrawl.Resolver {
	return recrawl.NewResolver(recrawl.SitemapSupport(r.SitemapSupport), r.minFrequencies, log)
}

// DedupEnabled reports whether the dedup check runs for this checksum.
// Dedup needs a fingerprint, so a disabled checksummer always disables it.
func (c ChecksumConfig) DedupEnabled(defaultOn bool) bool {
	if c.Disabled {
		return false
	}
	if c.Dedup != nil {
		return *c.Dedup
	}
	return defaultOn
}

// GetEffectiveUserAgent determines the user agent for a crawler
func GetEffectiveUserAgent(crawlerCfg CrawlerConfig, appCfg AppConfig) string {
	if crawlerCfg.UserAgent != "" {
		return crawlerCfg.UserAgent
	}
	return appCfg.DefaultUserAgent
}

// GetEffectiveDelay returns the crawler's delay section, falling back to the global one
func GetEffectiveDelay(crawlerCfg CrawlerConfig, appCfg AppConfig) DelayConfig {
	if crawlerCfg.Delay != nil {
		return *crawlerCfg.Delay
	}
	return appCfg.Delay
}

// GetEffectiveNumWorkers determines the worker count for a crawler
func GetEffectiveNumWorkers(crawlerCfg CrawlerConfig, appCfg AppConfig) int {
	if crawlerCfg.NumWorkers > 0 {
		return crawlerCfg.NumWorkers
	}
	return appCfg.NumWorkers
}

// GetEffectiveImportBody determines if document bodies are written by the importer
func GetEffectiveImportBody(crawlerCfg CrawlerConfig, appCfg AppConfig) bool {
	if crawlerCfg.ImportBody != nil {
		return *crawlerCfg.ImportBody
	}
	return appCfg.ImportBody
}

// GetEffectiveWriteReferenceLog determines if the reference log is written at session end
func GetEffectiveWriteReferenceLog(crawlerCfg CrawlerConfig, appCfg AppConfig) bool {
	if crawlerCfg.WriteReferenceLog != nil {
		return *crawlerCfg.WriteReferenceLog
	}
	return appCfg.WriteReferenceLog
}
