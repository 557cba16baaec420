package fetch

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// DefaultHSTS is the process-wide HSTS cache shared by every fetcher unless disabled
var DefaultHSTS = NewHSTSCache()

// ResetHSTS forgets every HSTS host learned by DefaultHSTS
func ResetHSTS() { DefaultHSTS.Reset() }

// maxSTSAge caps max-age so the expiry cannot overflow
const maxSTSAge = 10 * 365 * 24 * 60 * 60

type hstsPolicy struct {
	expires           time.Time
	includeSubdomains bool
}

// HSTSCache remembers which hosts sent a Strict-Transport-Security header over https.
// Plain http URLs on those hosts, or on their subdomains when the policy includes them,
// are upgraded to https before being requested.
type HSTSCache struct {
	mu      sync.RWMutex
	hosts   map[string]hstsPolicy
	nowFunc func() time.Time
}

// NewHSTSCache creates an empty HSTSCache
func NewHSTSCache() *HSTSCache {
	return &HSTSCache{
		hosts:   make(map[string]hstsPolicy),
		nowFunc: time.Now,
	}
}

// Observe records the Strict-Transport-Security header of a response received over https.
// max-age=0 removes the host; a header without max-age is ignored.
func (c *HSTSCache) Observe(host, header string) {
	if header == "" {
		return
	}
	maxAge, includeSubdomains, ok := parseSTS(header)
	if !ok {
		return
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	c.mu.Lock()
	defer c.mu.Unlock()
	if maxAge == 0 {
		delete(c.hosts, host)
		return
	}
	c.hosts[host] = hstsPolicy{
		expires:           c.nowFunc().Add(maxAge),
		includeSubdomains: includeSubdomains,
	}
}

// Known reports whether host is covered by an unexpired policy, its own or a parent domain's
func (c *HSTSCache) Known(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	now := c.nowFunc()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.hosts[host]; ok && now.Before(p.expires) {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	for parent := host; ; {
		i := strings.IndexByte(parent, '.')
		if i < 0 {
			return false
		}
		parent = parent[i+1:]
		if p, ok := c.hosts[parent]; ok && p.includeSubdomains && now.Before(p.expires) {
			return true
		}
	}
}

// Upgrade returns the https form of an http URL whose host is known to require https
func (c *HSTSCache) Upgrade(u *url.URL) (string, bool) {
	if !strings.EqualFold(u.Scheme, "http") || !c.Known(u.Hostname()) {
		return "", false
	}
	secure := *u
	secure.Scheme = "https"
	if u.Port() == "80" {
		secure.Host = u.Hostname()
		if strings.Contains(secure.Host, ":") {
			secure.Host = "[" + secure.Host + "]"
		}
	}
	return secure.String(), true
}

// Reset forgets every host
func (c *HSTSCache) Reset() {
	c.mu.Lock()
	c.hosts = make(map[string]hstsPolicy)
	c.mu.Unlock()
}

// Len returns the number of hosts with a recorded policy
func (c *HSTSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hosts)
}

// parseSTS reads the max-age and includeSubDomains directives of a Strict-Transport-Security value
func parseSTS(header string) (maxAge time.Duration, includeSubdomains, ok bool) {
	for _, directive := range strings.Split(header, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age":
			secs, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(value), `"`), 10, 64)
			if err != nil || secs < 0 {
				return 0, false, false
			}
			if secs > maxSTSAge {
				secs = maxSTSAge
			}
			maxAge, ok = time.Duration(secs)*time.Second, true
		case "includesubdomains":
			includeSubdomains = true
		}
	}
	return maxAge, includeSubdomains, ok
}

// hstsRedirect is the internal redirect an http URL on an HSTS host gets instead of a request
func hstsRedirect(rawURL, target string) *Response {
	return &Response{
		URL:            rawURL,
		StatusCode:     http.StatusTemporaryRedirect,
		Reason:         "HSTS Upgrade",
		Headers:        http.Header{"Location": {target}},
		RedirectTarget: target,
		State:          models.StateNew,
	}
}
