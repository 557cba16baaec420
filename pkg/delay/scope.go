package delay

import (
	"context"
	"net/url"
	"strings"
)

// Scope is the granularity at which the politeness delay is enforced.
type Scope string

const (
	ScopeCrawler Scope = "crawler" // One shared slot for the whole crawler
	ScopeSite    Scope = "site"    // One slot per scheme://host[:port]
	ScopeThread  Scope = "thread"  // One slot per worker
)

const crawlerKey = "crawler"

// ParseScope converts configuration text into a Scope.
// ok is false for unknown values, in which case ScopeCrawler is returned.
func ParseScope(s string) (scope Scope, ok bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeCrawler:
		return ScopeCrawler, true
	case ScopeSite:
		return ScopeSite, true
	case ScopeThread:
		return ScopeThread, true
	}
	return ScopeCrawler, false
}

type threadKeyCtx struct{}

// WithThreadKey tags ctx with the identity of the calling worker for thread-scoped delays.
func WithThreadKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, threadKeyCtx{}, key)
}

// ThreadKey returns the worker identity stored by WithThreadKey.
func ThreadKey(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(threadKeyCtx{}).(string)
	return k, ok && k != ""
}

// SiteKey returns scheme://host[:port] for a URL, or "" if it cannot be parsed.
func SiteKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// scopeKey derives the delay slot key for a fetch. ok is false when the scope
// could not be honored and the shared crawler key was used instead.
func scopeKey(ctx context.Context, scope Scope, rawURL string) (key string, ok bool) {
	switch scope {
	case ScopeSite:
		if k := SiteKey(rawURL); k != "" {
			return "site:" + k, true
		}
		return crawlerKey, false
	case ScopeThread:
		if k, found := ThreadKey(ctx); found {
			return "thread:" + k, true
		}
		return crawlerKey, false
	}
	return crawlerKey, true
}
