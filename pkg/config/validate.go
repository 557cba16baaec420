package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/politecrawler/pkg/delay"
	"github.com/Sriram-PR/politecrawler/pkg/recrawl"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Load reads and parses a YAML config file. Validation is left to the caller.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 10")
		c.MaxRequests = 10
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	if c.MaxRequestsPerSecond < 0 {
		warnings = append(warnings, "max_requests_per_second cannot be negative, disabling the cap")
		c.MaxRequestsPerSecond = 0
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}

	// OutputBaseDir
	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './crawl_output'")
		c.OutputBaseDir = "./crawl_output"
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}

	c.validateHTTPClientSettings()

	// Delay schedules must fail at load time, never mid-crawl
	delayWarnings, err := c.Delay.Validate()
	if err != nil {
		return warnings, fmt.Errorf("delay: %w", err)
	}
	warnings = append(warnings, delayWarnings...)

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate parses the scope, schedules and reference delays.
// An unknown scope is a warning (crawler scope is used); a malformed schedule is an error.
func (d *DelayConfig) Validate() (warnings []string, err error) {
	if d.Default < 0 {
		warnings = append(warnings, "delay.default cannot be negative, using default of 3s")
		d.Default = 0
	}
	if d.Default == 0 {
		d.Default = delay.DefaultDelay
	}

	scope, ok := delay.ParseScope(d.Scope)
	if !ok {
		if d.Scope != "" {
			warnings = append(warnings, fmt.Sprintf("unsupported delay scope %q, using 'crawler'", d.Scope))
		}
		d.Scope = string(delay.ScopeCrawler)
	}
	d.scope = scope

	d.schedules = make([]delay.Schedule, 0, len(d.Schedules))
	for i, sc := range d.Schedules {
		if sc.Delay < 0 {
			return warnings, fmt.Errorf("%w: schedule #%d has negative delay", utils.ErrConfigValidation, i+1)
		}
		s, err := delay.ParseSchedule(sc.DayOfWeek, sc.DayOfMonth, sc.Time, sc.Delay)
		if err != nil {
			return warnings, fmt.Errorf("schedule #%d: %w", i+1, err)
		}
		d.schedules = append(d.schedules, s)
	}

	d.references = make([]delay.ReferenceDelay, 0, len(d.References))
	for i, rc := range d.References {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil || rc.Pattern == "" {
			return warnings, utils.WrapErrorf(utils.ErrConfigValidation, "invalid reference delay pattern #%d ('%s')", i+1, rc.Pattern)
		}
		d.references = append(d.references, delay.ReferenceDelay{Pattern: re, Delay: rc.Delay})
	}
	return warnings, nil
}

// Validate checks CrawlerConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place (path prefix normalization, compiled patterns, parsed delays).
func (c *CrawlerConfig) Validate() (warnings []string, err error) {
	// Required: StartURLs
	if len(c.StartURLs) == 0 && len(c.Sitemaps) == 0 {
		return nil, fmt.Errorf("%w: crawler has no start_urls or sitemaps", utils.ErrConfigValidation)
	}
	for _, raw := range append(append([]string{}, c.StartURLs...), c.Sitemaps...) {
		u, perr := url.Parse(raw)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid start URL '%s'", utils.ErrConfigValidation, raw)
		}
	}

	// AllowedDomain defaults to the first seed's host
	if c.Scope.AllowedDomain == "" {
		seed := append(append([]string{}, c.StartURLs...), c.Sitemaps...)[0]
		u, _ := url.Parse(seed)
		c.Scope.AllowedDomain = u.Hostname()
		warnings = append(warnings, fmt.Sprintf("scope.allowed_domain is empty, defaulting to '%s'", c.Scope.AllowedDomain))
	}
	c.Scope.AllowedDomain = strings.ToLower(c.Scope.AllowedDomain)

	// AllowedPathPrefix normalization
	if c.Scope.AllowedPathPrefix == "" {
		c.Scope.AllowedPathPrefix = "/"
	} else if c.Scope.AllowedPathPrefix[0] != '/' {
		c.Scope.AllowedPathPrefix = "/" + c.Scope.AllowedPathPrefix
	}

	// MaxDepth
	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	if c.NumWorkers < 0 {
		warnings = append(warnings, "num_workers cannot be negative, using global num_workers")
		c.NumWorkers = 0
	}

	if c.disallowedRe, err = utils.CompilePatterns(c.DisallowedPatterns); err != nil {
		return warnings, fmt.Errorf("disallowed_patterns: %w", err)
	}
	if c.contentTypeIncludesRe, err = utils.CompilePatterns(c.ContentTypeIncludes); err != nil {
		return warnings, fmt.Errorf("content_type_includes: %w", err)
	}
	if c.contentTypeExcludesRe, err = utils.CompilePatterns(c.ContentTypeExcludes); err != nil {
		return warnings, fmt.Errorf("content_type_excludes: %w", err)
	}

	if len(c.MetadataChecksum.Fields) == 0 {
		c.MetadataChecksum.Fields = []string{"Last-Modified", "ETag"}
	}

	switch strings.ToLower(c.OrphansStrategy) {
	case "":
		c.OrphansStrategy = OrphansProcess
	case OrphansProcess, OrphansIgnore:
		c.OrphansStrategy = strings.ToLower(c.OrphansStrategy)
	default:
		warnings = append(warnings, fmt.Sprintf("unsupported orphans_strategy %q, using '%s'", c.OrphansStrategy, OrphansProcess))
		c.OrphansStrategy = OrphansProcess
	}

	recrawlWarnings, err := c.Recrawl.Validate()
	if err != nil {
		return warnings, fmt.Errorf("recrawl: %w", err)
	}
	warnings = append(warnings, recrawlWarnings...)

	if c.Delay != nil {
		delayWarnings, err := c.Delay.Validate()
		if err != nil {
			return warnings, fmt.Errorf("delay: %w", err)
		}
		warnings = append(warnings, delayWarnings...)
	}

	return warnings, nil
}

// Validate checks sitemap support and min frequency entries.
func (r *RecrawlConfig) Validate() (warnings []string, err error) {
	switch strings.ToLower(r.SitemapSupport) {
	case "":
		r.SitemapSupport = "first"
	case "first", "last", "never":
		r.SitemapSupport = strings.ToLower(r.SitemapSupport)
	default:
		warnings = append(warnings, fmt.Sprintf("unsupported sitemap_support %q, using 'first'", r.SitemapSupport))
		r.SitemapSupport = "first"
	}

	r.minFrequencies = make([]recrawl.MinFrequency, 0, len(r.MinFrequencies))
	for i, mf := range r.MinFrequencies {
		parsed, err := recrawl.ParseMinFrequency(mf.ApplyTo, mf.Pattern, mf.Value)
		if err != nil {
			return warnings, fmt.Errorf("min_frequencies #%d: %w", i+1, err)
		}
		r.minFrequencies = append(r.minFrequencies, parsed)
	}
	return warnings, nil
}
