package extract

import (
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func htmlContent(t *testing.T, rawURL, body string) *Content {
	t.Helper()
	c, err := NewContent(rawURL, "text/html", http.Header{}, []byte(body))
	require.NoError(t, err)
	return c
}

const linksPage = `<html><head>
<link rel="alternate" href="/feed.xml">
<link rel="stylesheet" href="/style.css">
</head><body>
<nav><a href="/nav">Nav</a></nav>
<main>
  <a href="page1">Page   one</a>
  <a href="/page2#section" rel="nofollow">Two</a>
  <a href="page1">dup</a>
  <a href="#top">Top</a>
  <a href="mailto:me@a.example">Mail</a>
  <a href="https://b.example/x" title="External"></a>
  <iframe src="/embed"></iframe>
</main>
</body></html>`

func TestHTMLLinkExtractor_AllLinks(t *testing.T) {
	e := NewHTMLLinkExtractor(nil, false, testLogger())
	links, err := e.ExtractLinks(htmlContent(t, "http://a.example/docs/", linksPage))
	require.NoError(t, err)

	var urls []string
	for _, l := range links {
		urls = append(urls, l.URL)
		assert.Equal(t, "http://a.example/docs/", l.Referrer)
	}
	assert.Equal(t, []string{
		"http://a.example/feed.xml",
		"http://a.example/nav",
		"http://a.example/docs/page1",
		"http://a.example/page2",
		"https://b.example/x",
		"http://a.example/embed",
	}, urls)

	assert.Equal(t, "tag=a text=Page one", links[2].MetadataText)
	assert.Equal(t, "tag=a text=External", links[4].MetadataText)
	assert.Equal(t, "tag=iframe", links[5].MetadataText)
}

func TestHTMLLinkExtractor_SelectorsAndNofollow(t *testing.T) {
	e := NewHTMLLinkExtractor([]string{"main"}, true, testLogger())
	links, err := e.ExtractLinks(htmlContent(t, "http://a.example/docs/", linksPage))
	require.NoError(t, err)

	var urls []string
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	assert.Equal(t, []string{
		"http://a.example/docs/page1",
		"https://b.example/x",
		"http://a.example/embed",
	}, urls)
}

func TestHTMLLinkExtractor_BaseHref(t *testing.T) {
	e := NewHTMLLinkExtractor(nil, false, testLogger())
	page := `<html><head><base href="http://cdn.example/root/"></head><body><a href="x">x</a></body></html>`
	links, err := e.ExtractLinks(htmlContent(t, "http://a.example/docs/", page))
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "http://cdn.example/root/x", links[0].URL)
}

func TestHTMLLinkExtractor_NonHTML(t *testing.T) {
	e := NewHTMLLinkExtractor(nil, false, testLogger())
	c, err := NewContent("http://a.example/a.pdf", "application/pdf", nil, []byte("%PDF"))
	require.NoError(t, err)

	links, err := e.ExtractLinks(c)
	assert.NoError(t, err)
	assert.Empty(t, links)
}

func TestNewContent_SniffsType(t *testing.T) {
	c, err := NewContent("http://a.example/", "", nil, []byte("<!DOCTYPE html><html><body>x</body></html>"))
	require.NoError(t, err)
	assert.Equal(t, "text/html", c.ContentType)
	assert.True(t, c.IsHTML())

	_, err = NewContent("http://[::1", "text/html", nil, nil)
	assert.Error(t, err)
}

func TestCanonicalDetector_FromHeaders(t *testing.T) {
	var d CanonicalDetector
	base := htmlContent(t, "http://a.example/docs/page?x=1", "").URL

	tests := []struct {
		name   string
		link   []string
		expect string
	}{
		{"absent", nil, ""},
		{"absolute", []string{`<http://a.example/docs/page>; rel="canonical"`}, "http://a.example/docs/page"},
		{"relative", []string{`</docs/page>; rel=canonical`}, "http://a.example/docs/page"},
		{"among others", []string{`</style.css>; rel="preload", </c>; rel="canonical"`}, "http://a.example/c"},
		{"second header", []string{`</next>; rel="next"`, `</c2>; rel="canonical"`}, "http://a.example/c2"},
		{"other rel only", []string{`</next>; rel="next"`}, ""},
		{"comma in URL", []string{`</a,b>; rel="canonical"`}, "http://a.example/a,b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.link {
				h.Add("Link", v)
			}
			assert.Equal(t, tt.expect, d.FromHeaders(base, h))
		})
	}
}

func TestCanonicalDetector_FromContent(t *testing.T) {
	var d CanonicalDetector

	c := htmlContent(t, "http://a.example/docs/page?utm=1",
		`<html><head><link rel="canonical" href="/docs/page"></head><body></body></html>`)
	assert.Equal(t, "http://a.example/docs/page", d.FromContent(c))

	c = htmlContent(t, "http://a.example/docs/page", `<html><head><title>x</title></head></html>`)
	assert.Equal(t, "", d.FromContent(c))

	pdf, err := NewContent("http://a.example/a.pdf", "application/pdf", nil, []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "", d.FromContent(pdf))
}

func TestRobotsMetaProvider_Headers(t *testing.T) {
	p := NewRobotsMetaProvider("politecrawler/1.0")

	h := http.Header{}
	h.Add("X-Robots-Tag", "noindex")
	assert.Equal(t, true, p.FromHeaders(h).NoIndex)
	assert.Equal(t, false, p.FromHeaders(h).NoFollow)

	h = http.Header{}
	h.Add("X-Robots-Tag", "otherbot: none")
	h.Add("X-Robots-Tag", "politecrawler: nofollow")
	meta := p.FromHeaders(h)
	assert.False(t, meta.NoIndex)
	assert.True(t, meta.NoFollow)

	h = http.Header{}
	h.Add("X-Robots-Tag", "none")
	meta = p.FromHeaders(h)
	assert.True(t, meta.NoIndex)
	assert.True(t, meta.NoFollow)
}

func TestRobotsMetaProvider_Content(t *testing.T) {
	p := NewRobotsMetaProvider("politecrawler/1.0")
	c := htmlContent(t, "http://a.example/", `<html><head>
<meta name="robots" content="index, nofollow">
<meta name="otherbot" content="noindex">
</head></html>`)
	meta := p.FromContent(c)
	assert.False(t, meta.NoIndex)
	assert.True(t, meta.NoFollow)

	c = htmlContent(t, "http://a.example/", `<html><head><meta name="PoliteCrawler" content="NOINDEX"></head></html>`)
	assert.True(t, p.FromContent(c).NoIndex)
}

func TestRobotsMetaProvider_GetMerges(t *testing.T) {
	p := NewRobotsMetaProvider("politecrawler")
	c := htmlContent(t, "http://a.example/", `<html><head><meta name="robots" content="nofollow"></head></html>`)
	c.Headers.Set("X-Robots-Tag", "noindex")

	meta := p.Get(c)
	assert.True(t, meta.NoIndex)
	assert.True(t, meta.NoFollow)
}
