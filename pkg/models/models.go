package models

import (
	"net/url"
	"slices"
	"time"
)

// Reference is the unit of crawl work: a normalized URL plus its crawl bookkeeping.
// Stored as JSON in the reference store, keyed by URL.
type Reference struct {
	URL                  string    `json:"url"`
	Depth                int       `json:"depth"`
	ReferrerReference    string    `json:"referrer,omitempty"`
	ReferrerLinkMetadata string    `json:"referrer_link_metadata,omitempty"`
	RedirectTrail        []string  `json:"redirect_trail,omitempty"`
	OriginalReference    string    `json:"original_reference,omitempty"` // Pre-redirect/canonical URL
	MetaChecksum         string    `json:"meta_checksum,omitempty"`
	ContentChecksum      string    `json:"content_checksum,omitempty"`
	ContentType          string    `json:"content_type,omitempty"`
	Stage                Stage     `json:"stage"`
	State                State     `json:"state,omitempty"`
	RequeueCount         int       `json:"requeue_count,omitempty"` // Processed -> queued requeues this session
	CrawlDate            time.Time `json:"crawl_date,omitempty"`
	SitemapLastMod       time.Time `json:"sitemap_lastmod,omitempty"`
	SitemapChangeFreq    string    `json:"sitemap_changefreq,omitempty"`
	SitemapPriority      float64   `json:"sitemap_priority,omitempty"`
}

// NewReference creates a queued reference for the given URL and depth.
func NewReference(rawURL string, depth int) *Reference {
	return &Reference{URL: rawURL, Depth: depth}
}

// Clone returns a deep copy, so callers can mutate without affecting shared records.
func (r *Reference) Clone() *Reference {
	if r == nil {
		return nil
	}
	c := *r
	c.RedirectTrail = slices.Clone(r.RedirectTrail)
	return &c
}

// InRedirectTrail reports whether u was already traversed on the way to this reference.
func (r *Reference) InRedirectTrail(u string) bool {
	return slices.Contains(r.RedirectTrail, u)
}

// Host returns the host[:port] of the reference URL, or "" if it does not parse.
func (r *Reference) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Link is a URL discovered in a document.
type Link struct {
	URL          string `json:"url"`
	Referrer     string `json:"referrer"`
	MetadataText string `json:"metadata,omitempty"` // Free-form text from the originating tag
}

// Document is the in-memory fetched content of a reference, handed to the importer.
type Document struct {
	Reference   string
	ContentType string
	Headers     map[string][]string
	Body        []byte
}

// RobotsMeta holds the robots directives found in headers or HTML meta tags.
type RobotsMeta struct {
	NoIndex  bool
	NoFollow bool
}

// SessionSummary holds the metadata of one crawl session, written on close.
type SessionSummary struct {
	SessionID      string         `yaml:"session_id"`
	CrawlerKey     string         `yaml:"crawler_key"`
	StartTime      time.Time      `yaml:"start_time"`
	EndTime        time.Time      `yaml:"end_time"`
	Resumed        bool           `yaml:"resumed"`
	DocsImported   int            `yaml:"documents_imported"`
	StateCounts    map[string]int `yaml:"state_counts,omitempty"`
	ConfigSnapshot map[string]any `yaml:"configuration,omitempty"`
}

// ImportedDocument is one JSONL record written by the importer for an accepted document.
type ImportedDocument struct {
	URL             string    `json:"url"`
	Depth           int       `json:"depth"`
	Referrer        string    `json:"referrer,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	MetaChecksum    string    `json:"meta_checksum,omitempty"`
	ContentChecksum string    `json:"content_checksum,omitempty"`
	SessionID       string    `json:"session_id"`
	ImportedAt      time.Time `json:"imported_at"`
	Body            string    `json:"body,omitempty"`
}
