package parse

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// Normalizer turns URL variants into the single form used as reference identity.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https),
// resolves dot segments, removes trailing slashes from paths (unless root "/"), ensures an
// empty path becomes "/", and removes fragments. Query strings are dropped unless KeepQuery
// is set, in which case parameters are sorted by key.
type Normalizer struct {
	KeepQuery bool
}

// Normalize parses and normalizes rawURL.
// Returns "" when rawURL is not an absolute http(s) URL.
func (n Normalizer) Normalize(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return ""
	}
	return n.NormalizeURL(u)
}

// NormalizeURL standardizes an already parsed URL. Does not modify the input *url.URL
func (n Normalizer) NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else {
		if strings.Contains(normalized.Path, "/.") || strings.Contains(normalized.Path, "//") {
			normalized.Path = path.Clean(normalized.Path)
		}
		if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
			normalized.Path = strings.TrimRight(normalized.Path, "/")
			if normalized.Path == "" {
				normalized.Path = "/"
			}
		}
	}
	normalized.RawPath = ""

	normalized.Fragment = ""
	normalized.RawFragment = ""
	if n.KeepQuery && normalized.RawQuery != "" {
		normalized.RawQuery = normalized.Query().Encode() // Encode sorts by key
	} else {
		normalized.RawQuery = ""
	}
	normalized.ForceQuery = false

	return normalized.String()
}

// NormalizeURL normalizes u with the default rules (query strings removed)
func NormalizeURL(u *url.URL) string {
	return Normalizer{}.NormalizeURL(u)
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}
