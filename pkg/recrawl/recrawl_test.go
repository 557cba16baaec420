package recrawl

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestResolver(support SitemapSupport, mfs ...MinFrequency) *Resolver {
	l := logrus.New()
	l.SetOutput(io.Discard)
	r := NewResolver(support, mfs, logrus.NewEntry(l))
	r.now = func() time.Time { return testNow }
	return r
}

func mustMinFrequency(t *testing.T, applyTo, pattern, value string) MinFrequency {
	t.Helper()
	mf, err := ParseMinFrequency(applyTo, pattern, value)
	require.NoError(t, err)
	return mf
}

func TestIsRecrawlable_NeverCrawled(t *testing.T) {
	r := newTestResolver(SitemapFirst)
	assert.True(t, r.IsRecrawlable(nil))
	assert.True(t, r.IsRecrawlable(&models.Reference{URL: "http://a.example/"}))
}

func TestIsRecrawlable_NoRulesMeansRecrawl(t *testing.T) {
	r := newTestResolver(SitemapFirst)
	prev := &models.Reference{URL: "http://a.example/", CrawlDate: testNow.Add(-time.Minute)}
	assert.True(t, r.IsRecrawlable(prev))
}

func TestIsRecrawlable_SitemapLastMod(t *testing.T) {
	r := newTestResolver(SitemapFirst)
	crawled := testNow.Add(-48 * time.Hour)

	modified := &models.Reference{URL: "http://a.example/", CrawlDate: crawled, SitemapLastMod: testNow.Add(-time.Hour)}
	assert.True(t, r.IsRecrawlable(modified))

	unchanged := &models.Reference{URL: "http://a.example/", CrawlDate: crawled, SitemapLastMod: crawled.Add(-time.Hour)}
	assert.False(t, r.IsRecrawlable(unchanged))
}

func TestIsRecrawlable_SitemapChangeFreq(t *testing.T) {
	r := newTestResolver(SitemapFirst)

	tests := []struct {
		freq    string
		crawled time.Duration
		want    bool
	}{
		{"always", time.Second, true},
		{"never", 1000 * time.Hour, false},
		{"hourly", 30 * time.Minute, false},
		{"hourly", 2 * time.Hour, true},
		{"daily", 23 * time.Hour, false},
		{"weekly", 8 * 24 * time.Hour, true},
		{"bogus", time.Second, true},
	}
	for _, tt := range tests {
		prev := &models.Reference{URL: "http://a.example/", CrawlDate: testNow.Add(-tt.crawled), SitemapChangeFreq: tt.freq}
		assert.Equal(t, tt.want, r.IsRecrawlable(prev), "%s after %v", tt.freq, tt.crawled)
	}
}

func TestIsRecrawlable_SitemapSupportOrdering(t *testing.T) {
	prev := &models.Reference{
		URL:               "http://a.example/docs/page",
		CrawlDate:         testNow.Add(-2 * time.Hour),
		SitemapChangeFreq: "hourly", // due
	}
	weekly := mustMinFrequency(t, "reference", `.*/docs/.*`, "weekly") // not due

	assert.True(t, newTestResolver(SitemapFirst, weekly).IsRecrawlable(prev), "sitemap wins when first")
	assert.False(t, newTestResolver(SitemapLast, weekly).IsRecrawlable(prev), "min frequency wins when sitemap is last")
	assert.False(t, newTestResolver(SitemapNever, weekly).IsRecrawlable(prev))

	other := &models.Reference{URL: "http://a.example/blog", CrawlDate: prev.CrawlDate, SitemapChangeFreq: "daily"}
	assert.False(t, newTestResolver(SitemapLast, weekly).IsRecrawlable(other), "falls back to sitemap when no min frequency matches")
	assert.True(t, newTestResolver(SitemapNever, weekly).IsRecrawlable(other))
}

func TestIsRecrawlable_MinFrequencyInterval(t *testing.T) {
	mf := mustMinFrequency(t, "", `.*`, "90m")
	r := newTestResolver(SitemapNever, mf)

	assert.False(t, r.IsRecrawlable(&models.Reference{URL: "http://a.example/", CrawlDate: testNow.Add(-time.Hour)}))
	assert.True(t, r.IsRecrawlable(&models.Reference{URL: "http://a.example/", CrawlDate: testNow.Add(-2 * time.Hour)}))
}

func TestIsRecrawlable_MinFrequencyContentType(t *testing.T) {
	mf := mustMinFrequency(t, "content_type", `application/pdf`, "7d")
	r := newTestResolver(SitemapNever, mf)

	pdf := &models.Reference{URL: "http://a.example/a.pdf", ContentType: "application/pdf", CrawlDate: testNow.Add(-24 * time.Hour)}
	html := &models.Reference{URL: "http://a.example/a", ContentType: "text/html", CrawlDate: testNow.Add(-24 * time.Hour)}
	assert.False(t, r.IsRecrawlable(pdf))
	assert.True(t, r.IsRecrawlable(html))
}

func TestMinFrequency_PatternMustMatchWholeValue(t *testing.T) {
	mf := mustMinFrequency(t, "reference", `http://a\.example/docs`, "never")
	r := newTestResolver(SitemapNever, mf)
	crawled := testNow.Add(-time.Hour)

	assert.False(t, r.IsRecrawlable(&models.Reference{URL: "http://a.example/docs", CrawlDate: crawled}))
	assert.True(t, r.IsRecrawlable(&models.Reference{URL: "http://a.example/docs/more", CrawlDate: crawled}))
}

func TestParseMinFrequency(t *testing.T) {
	mf, err := ParseMinFrequency("reference", ".*", "5000")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, mf.Interval)

	mf, err = ParseMinFrequency("contentType", ".*", "Monthly")
	require.NoError(t, err)
	assert.Equal(t, ApplyToContentType, mf.ApplyTo)
	assert.Equal(t, Monthly, mf.Frequency)

	for _, bad := range [][3]string{
		{"mime", ".*", "daily"},
		{"reference", "[x", "daily"},
		{"reference", ".*", "fortnightly"},
	} {
		_, err := ParseMinFrequency(bad[0], bad[1], bad[2])
		assert.ErrorIs(t, err, utils.ErrConfigValidation, "%v", bad)
	}
}
