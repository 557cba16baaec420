package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// LinkExtractor finds the URLs a document points to
type LinkExtractor interface {
	ExtractLinks(c *Content) ([]models.Link, error)
}

// HTMLLinkExtractor extracts links from HTML documents.
// Non-HTML content yields no links.
type HTMLLinkExtractor struct {
	Selectors       []string // Containers to search, whole document if empty
	RespectNofollow bool     // Skip links with rel="nofollow"
	log             *logrus.Entry
}

// NewHTMLLinkExtractor creates an HTMLLinkExtractor
func NewHTMLLinkExtractor(selectors []string, respectNofollow bool, log *logrus.Entry) *HTMLLinkExtractor {
	return &HTMLLinkExtractor{Selectors: selectors, RespectNofollow: respectNofollow, log: log}
}

// ExtractLinks implements LinkExtractor. Links are absolute, unique per document,
// in document order, and limited to http(s).
func (e *HTMLLinkExtractor) ExtractLinks(c *Content) ([]models.Link, error) {
	if !c.IsHTML() {
		return nil, nil
	}
	doc, err := c.HTML()
	if err != nil {
		return nil, err
	}
	base := c.BaseURL()
	referrer := c.URL.String()

	roots := []*goquery.Selection{doc.Selection}
	if len(e.Selectors) > 0 {
		roots = roots[:0]
		for _, sel := range e.Selectors {
			roots = append(roots, doc.Find(sel))
		}
	}

	seen := make(map[string]bool)
	var links []models.Link
	for _, root := range roots {
		root.Find(`a[href], area[href], frame[src], iframe[src], link[rel~="alternate"][href]`).Each(func(_ int, el *goquery.Selection) {
			tag := goquery.NodeName(el)
			attr := "href"
			if tag == "frame" || tag == "iframe" {
				attr = "src"
			}
			raw, _ := el.Attr(attr)
			raw = strings.TrimSpace(raw)
			if raw == "" || strings.HasPrefix(raw, "#") {
				return
			}

			if e.RespectNofollow {
				if rel, _ := el.Attr("rel"); hasToken(rel, "nofollow") {
					e.log.Debugf("Skipping nofollow link: %s", raw)
					return
				}
			}

			u, perr := base.Parse(raw)
			if perr != nil {
				e.log.Debugf("Skipping invalid link '%s': %v", raw, perr)
				return
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return
			}
			u.Fragment = ""
			abs := u.String()
			if seen[abs] {
				return
			}
			seen[abs] = true
			links = append(links, models.Link{URL: abs, Referrer: referrer, MetadataText: linkMetadata(tag, el)})
		})
	}
	return links, nil
}

// linkMetadata describes the originating tag, e.g. "tag=a text=Getting started"
func linkMetadata(tag string, el *goquery.Selection) string {
	text := strings.Join(strings.Fields(el.Text()), " ")
	if text == "" {
		text, _ = el.Attr("title")
	}
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	if text == "" {
		return "tag=" + tag
	}
	return "tag=" + tag + " text=" + text
}

func hasToken(list, token string) bool {
	for _, f := range strings.FieldsFunc(strings.ToLower(list), func(r rune) bool { return r == ' ' || r == ',' }) {
		if f == token {
			return true
		}
	}
	return false
}
