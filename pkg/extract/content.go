// Package extract pulls links, canonical URLs and robots directives out of fetched documents.
package extract

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Content is a fetched document as seen by the extractors.
// The HTML tree is parsed on first use and shared; a Content belongs to one worker.
type Content struct {
	URL         *url.URL
	ContentType string
	Headers     http.Header
	Body        []byte

	doc    *goquery.Document
	docErr error
	parsed bool
}

// NewContent wraps a fetched document
func NewContent(rawURL, contentType string, headers http.Header, body []byte) (*Content, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: URL '%s': %w", utils.ErrParsing, rawURL, err)
	}
	if contentType == "" && len(body) > 0 {
		contentType, _, _ = strings.Cut(http.DetectContentType(body), ";")
	}
	return &Content{URL: u, ContentType: strings.ToLower(contentType), Headers: headers, Body: body}, nil
}

// IsHTML reports whether the document can be parsed as HTML
func (c *Content) IsHTML() bool {
	return c.ContentType == "text/html" || c.ContentType == "application/xhtml+xml"
}

// HTML returns the parsed document tree
func (c *Content) HTML() (*goquery.Document, error) {
	if !c.parsed {
		c.parsed = true
		if !c.IsHTML() {
			c.docErr = fmt.Errorf("%w: content type '%s' is not HTML", utils.ErrParsing, c.ContentType)
		} else {
			c.doc, c.docErr = goquery.NewDocumentFromReader(bytes.NewReader(c.Body))
			if c.docErr != nil {
				c.docErr = fmt.Errorf("%w: HTML: %w", utils.ErrParsing, c.docErr)
			}
		}
	}
	return c.doc, c.docErr
}

// BaseURL returns the URL relative links resolve against, honoring <base href>
func (c *Content) BaseURL() *url.URL {
	doc, err := c.HTML()
	if err != nil {
		return c.URL
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if base, err := c.URL.Parse(strings.TrimSpace(href)); err == nil {
			return base
		}
	}
	return c.URL
}
