// Package recrawl decides whether a reference crawled in a previous session is due again.
package recrawl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// ChangeFrequency is a sitemap <changefreq> value.
type ChangeFrequency string

const (
	Always  ChangeFrequency = "always"
	Hourly  ChangeFrequency = "hourly"
	Daily   ChangeFrequency = "daily"
	Weekly  ChangeFrequency = "weekly"
	Monthly ChangeFrequency = "monthly"
	Yearly  ChangeFrequency = "yearly"
	Never   ChangeFrequency = "never"
)

// ParseChangeFrequency returns the frequency for s, case-insensitively.
func ParseChangeFrequency(s string) (ChangeFrequency, bool) {
	cf := ChangeFrequency(strings.ToLower(strings.TrimSpace(s)))
	switch cf {
	case Always, Hourly, Daily, Weekly, Monthly, Yearly, Never:
		return cf, true
	}
	return "", false
}

// next returns the earliest time a page last crawled at from is due again.
func (cf ChangeFrequency) next(from time.Time) time.Time {
	switch cf {
	case Hourly:
		return from.Add(time.Hour)
	case Daily:
		return from.AddDate(0, 0, 1)
	case Weekly:
		return from.AddDate(0, 0, 7)
	case Monthly:
		return from.AddDate(0, 1, 0)
	case Yearly:
		return from.AddDate(1, 0, 0)
	}
	return from
}

// SitemapSupport sets when sitemap hints are consulted relative to min frequencies.
type SitemapSupport string

const (
	SitemapFirst SitemapSupport = "first"
	SitemapLast  SitemapSupport = "last"
	SitemapNever SitemapSupport = "never"
)

// ApplyTo selects what a MinFrequency pattern is matched against.
type ApplyTo string

const (
	ApplyToReference   ApplyTo = "reference"
	ApplyToContentType ApplyTo = "content_type"
)

// MinFrequency is a minimum re-crawl interval for references or content types matching Pattern.
type MinFrequency struct {
	ApplyTo   ApplyTo
	Pattern   *regexp.Regexp
	Frequency ChangeFrequency // Set when the value is a change frequency keyword
	Interval  time.Duration   // Set when the value is a duration
}

// ParseMinFrequency builds a MinFrequency. value is either a change frequency
// keyword, a duration ("90m", "7d"), or a number of milliseconds.
func ParseMinFrequency(applyTo, pattern, value string) (MinFrequency, error) {
	mf := MinFrequency{ApplyTo: ApplyToReference}
	switch strings.ToLower(applyTo) {
	case "", "reference":
	case "content_type", "contenttype":
		mf.ApplyTo = ApplyToContentType
	default:
		return MinFrequency{}, fmt.Errorf("%w: unknown apply_to '%s'", utils.ErrConfigValidation, applyTo)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return MinFrequency{}, utils.WrapErrorf(utils.ErrConfigValidation, "invalid min frequency pattern '%s'", pattern)
	}
	mf.Pattern = re

	if cf, ok := ParseChangeFrequency(value); ok {
		mf.Frequency = cf
		return mf, nil
	}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil && millis >= 0 {
		mf.Interval = time.Duration(millis) * time.Millisecond
		return mf, nil
	}
	d, err := utils.ParseInterval(value)
	if err != nil || d < 0 {
		return MinFrequency{}, fmt.Errorf("%w: invalid min frequency value '%s'", utils.ErrConfigValidation, value)
	}
	mf.Interval = d
	return mf, nil
}

func (mf MinFrequency) matches(prev *models.Reference) bool {
	// Patterns must match the whole value
	target := prev.URL
	if mf.ApplyTo == ApplyToContentType {
		target = prev.ContentType
	}
	loc := mf.Pattern.FindStringIndex(target)
	return loc != nil && loc[0] == 0 && loc[1] == len(target)
}

// Resolver decides whether previously crawled references are due for a new crawl.
type Resolver struct {
	sitemapSupport SitemapSupport
	minFrequencies []MinFrequency
	now            func() time.Time
	log            *logrus.Entry
}

// NewResolver creates a Resolver. An empty sitemap support defaults to SitemapFirst.
func NewResolver(support SitemapSupport, minFrequencies []MinFrequency, log *logrus.Entry) *Resolver {
	if support == "" {
		support = SitemapFirst
	}
	return &Resolver{
		sitemapSupport: support,
		minFrequencies: minFrequencies,
		now:            time.Now,
		log:            log.WithField("component", "recrawl"),
	}
}

// IsRecrawlable reports whether prev, the record from the previous session, is due again.
// References never crawled before are always recrawlable.
func (r *Resolver) IsRecrawlable(prev *models.Reference) bool {
	if prev == nil || prev.CrawlDate.IsZero() {
		return true
	}

	hasSitemapHints := prev.SitemapChangeFreq != "" || !prev.SitemapLastMod.IsZero()

	if r.sitemapSupport == SitemapFirst && hasSitemapHints {
		return r.fromSitemap(prev)
	}

	for _, mf := range r.minFrequencies {
		if mf.matches(prev) {
			return r.fromMinFrequency(mf, prev)
		}
	}

	if r.sitemapSupport == SitemapLast && hasSitemapHints {
		return r.fromSitemap(prev)
	}

	// No reason not to recrawl
	return true
}

func (r *Resolver) fromSitemap(prev *models.Reference) bool {
	if !prev.SitemapLastMod.IsZero() {
		due := prev.SitemapLastMod.After(prev.CrawlDate)
		r.log.WithFields(logrus.Fields{
			"url": prev.URL, "lastmod": prev.SitemapLastMod, "crawl_date": prev.CrawlDate, "due": due,
		}).Debug("Recrawl decided by sitemap lastmod")
		return due
	}
	cf, ok := ParseChangeFrequency(prev.SitemapChangeFreq)
	if !ok {
		return true
	}
	return r.fromFrequency(cf, prev, "sitemap")
}

func (r *Resolver) fromMinFrequency(mf MinFrequency, prev *models.Reference) bool {
	if mf.Frequency != "" {
		return r.fromFrequency(mf.Frequency, prev, "min frequency")
	}
	due := prev.CrawlDate.Add(mf.Interval).Before(r.now())
	r.log.WithFields(logrus.Fields{
		"url": prev.URL, "interval": mf.Interval, "crawl_date": prev.CrawlDate, "due": due,
	}).Debug("Recrawl decided by min frequency interval")
	return due
}

func (r *Resolver) fromFrequency(cf ChangeFrequency, prev *models.Reference, source string) bool {
	switch cf {
	case Always:
		return true
	case Never:
		return false
	}
	due := cf.next(prev.CrawlDate).Before(r.now())
	r.log.WithFields(logrus.Fields{
		"url": prev.URL, "frequency": cf, "source": source, "due": due,
	}).Debug("Recrawl decided by change frequency")
	return due
}
