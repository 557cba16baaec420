// Package scope decides whether a discovered URL belongs to the crawl.
package scope

import (
	"net/url"
	"strings"

	"github.com/Sriram-PR/politecrawler/pkg/config"
)

// URLScope applies the crawler's scope rules to candidate URLs
type URLScope struct {
	domain            string
	includeSubdomains bool
	stayOnPort        bool
	stayOnProtocol    bool
	pathPrefix        string
}

// New builds a URLScope from a validated scope config
func New(cfg config.ScopeConfig) *URLScope {
	prefix := cfg.AllowedPathPrefix
	if prefix == "" {
		prefix = "/"
	}
	return &URLScope{
		domain:            strings.ToLower(cfg.AllowedDomain),
		includeSubdomains: cfg.IncludeSubdomains,
		stayOnPort:        cfg.StayOnPort,
		stayOnProtocol:    cfg.StayOnProtocol,
		pathPrefix:        prefix,
	}
}

// IsInScope reports whether candidate may be crawled when discovered from source.
func (s *URLScope) IsInScope(source, candidate string) bool {
	ok, _ := s.Check(source, candidate)
	return ok
}

// Check is IsInScope with the name of the violated rule, "" when in scope.
// The port and protocol rules compare against source and are skipped when source is empty.
func (s *URLScope) Check(source, candidate string) (bool, string) {
	c, err := url.Parse(candidate)
	if err != nil || c.Host == "" {
		return false, "unparseable URL"
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return false, "unsupported scheme"
	}

	host := strings.ToLower(c.Hostname())
	if s.domain != "" && host != s.domain {
		if !s.includeSubdomains || !strings.HasSuffix(host, "."+s.domain) {
			return false, "domain"
		}
	}

	targetPath := c.Path
	if targetPath == "" {
		targetPath = "/"
	}
	if !strings.HasPrefix(targetPath, s.pathPrefix) {
		return false, "path prefix"
	}

	if source == "" || (!s.stayOnPort && !s.stayOnProtocol) {
		return true, ""
	}
	src, err := url.Parse(source)
	if err != nil || src.Host == "" {
		return true, ""
	}
	if s.stayOnProtocol && !strings.EqualFold(src.Scheme, c.Scheme) {
		return false, "protocol"
	}
	if s.stayOnPort && effectivePort(src) != effectivePort(c) {
		return false, "port"
	}
	return true, ""
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}
