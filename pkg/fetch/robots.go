package fetch

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// SitemapDiscoverer defines the callback interface for handling discovered sitemap URLs
type SitemapDiscoverer interface {
	FoundSitemap(sitemapURL string)
}

// RobotsTxt holds the rules of one site's robots.txt that apply to our user agent.
// A nil *RobotsTxt allows everything and has no crawl delay.
type RobotsTxt struct {
	group         *robotstxt.Group
	crawlDelaySet bool // The group declares a Crawl-delay, possibly 0
	Sitemaps      []string
}

// Allowed reports whether the path (with query) may be fetched
func (r *RobotsTxt) Allowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// CrawlDelay returns the Crawl-delay directive for our agent, if any.
// An explicit "Crawl-delay: 0" is returned as 0 and true.
func (r *RobotsTxt) CrawlDelay() (time.Duration, bool) {
	if r == nil || r.group == nil || !r.crawlDelaySet {
		return 0, false
	}
	return r.group.CrawlDelay, true
}

// RobotsProvider fetches, parses and caches robots.txt per scheme and host.
// Fetch or parse failures allow everything (fail-open) and are cached as well.
type RobotsProvider struct {
	fetcher         *Fetcher
	cache           map[string]*RobotsTxt // scheme://host -> parsed rules (or nil)
	cacheMu         sync.Mutex
	fetchLocks      *utils.KeyedMutex // One fetch per site at a time
	sitemapNotifier SitemapDiscoverer
	log             *logrus.Entry
}

// NewRobotsProvider creates a RobotsProvider. The fetcher's user agent selects the rule group.
func NewRobotsProvider(fetcher *Fetcher, sitemapNotifier SitemapDiscoverer, log *logrus.Entry) *RobotsProvider {
	return &RobotsProvider{
		fetcher:         fetcher,
		cache:           make(map[string]*RobotsTxt),
		fetchLocks:      utils.NewKeyedMutex(),
		sitemapNotifier: sitemapNotifier,
		log:             log,
	}
}

// GetRobotsTxt returns the rules for the site of rawURL, fetching robots.txt on first use.
// Returns nil when the site has no usable robots.txt.
func (p *RobotsProvider) GetRobotsTxt(ctx context.Context, rawURL string) *RobotsTxt {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	scheme := u.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	siteKey := scheme + "://" + u.Host

	if rules, found := p.cached(siteKey); found {
		return rules
	}

	unlock := p.fetchLocks.Lock(siteKey)
	defer unlock()

	// Another worker may have fetched it while we waited
	if rules, found := p.cached(siteKey); found {
		return rules
	}

	rules := p.fetch(ctx, siteKey)
	if rules == nil && ctx.Err() != nil {
		return nil // Cancelled, do not cache
	}

	p.cacheMu.Lock()
	p.cache[siteKey] = rules
	p.cacheMu.Unlock()

	if rules != nil && p.sitemapNotifier != nil && len(rules.Sitemaps) > 0 {
		p.log.WithField("site", siteKey).Infof("Found %d sitemap directive(s)", len(rules.Sitemaps))
		for _, sitemapURL := range rules.Sitemaps {
			p.sitemapNotifier.FoundSitemap(sitemapURL)
		}
	}
	return rules
}

// Allowed is a convenience wrapper testing rawURL against its site's rules
func (p *RobotsProvider) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return p.GetRobotsTxt(ctx, rawURL).Allowed(u.RequestURI())
}

func (p *RobotsProvider) cached(siteKey string) (*RobotsTxt, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	rules, found := p.cache[siteKey]
	return rules, found
}

func (p *RobotsProvider) fetch(ctx context.Context, siteKey string) *RobotsTxt {
	robotsURL := siteKey + "/robots.txt"
	robotsLog := p.log.WithField("robots_url", robotsURL)
	robotsLog.Info("Fetching robots.txt...")

	resp, err := p.fetcher.FetchFollowing(ctx, robotsURL)
	if err != nil {
		robotsLog.Warnf("Fetching robots.txt failed, allowing all: %v", err)
		return nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		robotsLog.Debugf("No robots.txt (status %d), allowing all", resp.StatusCode)
		return nil
	default:
		// 5xx and redirects without a usable target: cannot tell what the site intends
		robotsLog.Warnf("Unexpected robots.txt status %d, allowing all", resp.StatusCode)
		return nil
	}

	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error parsing robots.txt, allowing all: %v", err)
		return nil
	}

	robotsLog.Info("Successfully fetched and parsed robots.txt")
	withDelay, agents := crawlDelayAgents(resp.Body)
	return &RobotsTxt{
		group:         data.FindGroup(p.fetcher.UserAgent()),
		crawlDelaySet: withDelay[matchAgent(agents, p.fetcher.UserAgent())],
		Sitemaps:      data.Sitemaps,
	}
}

// crawlDelayAgents lists every user agent robots.txt names and those whose group has a
// valid Crawl-delay line. robotstxt.Group reports a missing directive as a zero delay.
// Groups are delimited the way robotstxt delimits them.
func crawlDelayAgents(body []byte) (withDelay, agents map[string]bool) {
	withDelay = make(map[string]bool)
	agents = make(map[string]bool)
	var group []string
	groupHasRules := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "user-agent", "useragent":
			if len(fields) == 0 {
				continue
			}
			if groupHasRules {
				group = nil
				groupHasRules = false
			}
			agent := strings.ToLower(fields[0])
			group = append(group, agent)
			agents[agent] = true
		case "allow", "disallow":
			groupHasRules = true
		case "crawl-delay", "crawldelay":
			groupHasRules = true
			if len(fields) == 0 {
				continue
			}
			if d, err := strconv.ParseFloat(fields[0], 64); err == nil && d >= 0 {
				for _, agent := range group {
					withDelay[agent] = true
				}
			}
		}
	}
	return withDelay, agents
}

// matchAgent returns the group robotstxt.FindGroup picks for userAgent, "" if none
func matchAgent(agents map[string]bool, userAgent string) string {
	userAgent = strings.ToLower(userAgent)
	match, matchLen := "", 0
	if agents["*"] {
		match, matchLen = "*", 1
	}
	for agent := range agents {
		if agent != "*" && strings.HasPrefix(userAgent, agent) && len(agent) > matchLen {
			match, matchLen = agent, len(agent)
		}
	}
	return match
}
