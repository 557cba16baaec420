package parse

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// SitemapEntry is a <url> entry with its optional hints parsed
type SitemapEntry struct {
	Loc        string
	LastMod    time.Time // Zero if absent or unparseable
	ChangeFreq string    // Lowercased keyword, "" if absent
	Priority   float64   // 0 if absent
}

// ParseSitemap decodes a sitemap or sitemap index, gzip-compressed or not.
// Exactly one of entries (urlset) or children (sitemapindex loc values) is populated.
func ParseSitemap(data []byte) (entries []SitemapEntry, children []string, err error) {
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, gzErr := gzip.NewReader(bytes.NewReader(data))
		if gzErr != nil {
			return nil, nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, gzErr)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, err)
		}
	}

	var index XMLSitemapIndex
	if xml.Unmarshal(data, &index) == nil && index.XMLName.Local == "sitemapindex" {
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}

	var set XMLURLSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, fmt.Errorf("%w: XML sitemap: %w", utils.ErrParsing, err)
	}
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		entry := SitemapEntry{
			Loc:        loc,
			LastMod:    ParseLastMod(u.LastMod),
			ChangeFreq: strings.ToLower(strings.TrimSpace(u.ChangeFreq)),
		}
		if p, perr := strconv.ParseFloat(strings.TrimSpace(u.Priority), 64); perr == nil && p >= 0 && p <= 1 {
			entry.Priority = p
		}
		entries = append(entries, entry)
	}
	return entries, nil, nil
}

// W3C datetime variants allowed in <lastmod>
var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseLastMod parses a W3C datetime, returning the zero time when it cannot
func ParseLastMod(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
