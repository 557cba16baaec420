package extract

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// RobotsMetaProvider reads noindex/nofollow directives from the X-Robots-Tag header
// and <meta name="robots"> tags. Agent-specific directives apply when the agent
// token is a prefix of our user agent.
type RobotsMetaProvider struct {
	agent string // Lowercased user agent
}

// NewRobotsMetaProvider creates a provider for the given user agent
func NewRobotsMetaProvider(userAgent string) *RobotsMetaProvider {
	return &RobotsMetaProvider{agent: strings.ToLower(userAgent)}
}

// Get merges header and content directives
func (p *RobotsMetaProvider) Get(c *Content) models.RobotsMeta {
	meta := p.FromHeaders(c.Headers)
	contentMeta := p.FromContent(c)
	meta.NoIndex = meta.NoIndex || contentMeta.NoIndex
	meta.NoFollow = meta.NoFollow || contentMeta.NoFollow
	return meta
}

// FromHeaders parses X-Robots-Tag values, e.g. "noindex, nofollow" or "otherbot: none"
func (p *RobotsMetaProvider) FromHeaders(headers http.Header) models.RobotsMeta {
	var meta models.RobotsMeta
	for _, value := range headers.Values("X-Robots-Tag") {
		directives := value
		if agent, rest, ok := strings.Cut(value, ":"); ok && !isDirective(agent) {
			if !p.appliesTo(agent) {
				continue
			}
			directives = rest
		}
		apply(&meta, directives)
	}
	return meta
}

// FromContent parses robots meta tags of an HTML document
func (p *RobotsMetaProvider) FromContent(c *Content) models.RobotsMeta {
	var meta models.RobotsMeta
	if !c.IsHTML() {
		return meta
	}
	doc, err := c.HTML()
	if err != nil {
		return meta
	}
	doc.Find("meta[name][content]").Each(func(_ int, el *goquery.Selection) {
		name, _ := el.Attr("name")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "robots" && !p.appliesTo(name) {
			return
		}
		content, _ := el.Attr("content")
		apply(&meta, content)
	})
	return meta
}

func (p *RobotsMetaProvider) appliesTo(agent string) bool {
	agent = strings.ToLower(strings.TrimSpace(agent))
	return agent != "" && p.agent != "" && strings.HasPrefix(p.agent, agent)
}

func isDirective(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noindex", "nofollow", "none", "all", "index", "follow", "unavailable_after", "max-snippet", "max-image-preview", "max-video-preview":
		return true
	}
	return false
}

func apply(meta *models.RobotsMeta, directives string) {
	for _, d := range strings.Split(directives, ",") {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "noindex":
			meta.NoIndex = true
		case "nofollow":
			meta.NoFollow = true
		case "none":
			meta.NoIndex = true
			meta.NoFollow = true
		}
	}
}
