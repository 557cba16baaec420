package extract

import (
	"net/http"
	"net/url"
	"strings"
)

// CanonicalDetector finds the canonical URL a document declares for itself
type CanonicalDetector struct{}

// FromHeaders reads a `Link: <url>; rel="canonical"` response header.
// Returns "" when none is declared. Relative targets resolve against base.
func (CanonicalDetector) FromHeaders(base *url.URL, headers http.Header) string {
	for _, value := range headers.Values("Link") {
		for _, link := range splitLinkHeader(value) {
			target, params, ok := strings.Cut(link, ";")
			if !ok {
				continue
			}
			target = strings.TrimSpace(target)
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			if !isCanonicalRel(params) {
				continue
			}
			if resolved := resolve(base, target[1:len(target)-1]); resolved != "" {
				return resolved
			}
		}
	}
	return ""
}

// FromContent reads <link rel="canonical" href="..."> from an HTML document.
// Returns "" for non-HTML content or when none is declared.
func (CanonicalDetector) FromContent(c *Content) string {
	if !c.IsHTML() {
		return ""
	}
	doc, err := c.HTML()
	if err != nil {
		return ""
	}
	href, ok := doc.Find(`link[rel~="canonical"][href]`).First().Attr("href")
	if !ok {
		return ""
	}
	return resolve(c.BaseURL(), href)
}

// splitLinkHeader splits a Link header on commas outside <...>
func splitLinkHeader(value string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range value {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, value[start:])
}

func isCanonicalRel(params string) bool {
	for _, p := range strings.Split(params, ";") {
		name, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
			continue
		}
		return hasToken(strings.Trim(strings.TrimSpace(val), `"`), "canonical")
	}
	return false
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}
