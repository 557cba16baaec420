// Package sitemap turns sitemap files into depth-0 references carrying recrawl hints.
package sitemap

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/delay"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/parse"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// maxNesting bounds how deep sitemap indexes may point to further indexes
const maxNesting = 5

// EnqueueFunc hands a discovered reference to the queue pipeline.
// Returns true if the reference was newly queued.
type EnqueueFunc func(ctx context.Context, ref *models.Reference) bool

// ScopeStrategy decides whether a sitemap entry belongs to the crawl
type ScopeStrategy interface {
	IsInScope(source, candidate string) bool
}

// Processor fetches sitemaps and queues their entries
type Processor struct {
	fetcher *fetch.Fetcher
	delay   *delay.Resolver // Optional politeness between sitemap fetches
	scope   ScopeStrategy
	enqueue EnqueueFunc
	log     *logrus.Entry

	sitemapsProcessed   map[string]bool // Sitemaps already fetched or in progress
	sitemapsProcessedMu sync.Mutex
}

// NewProcessor creates a Processor
func NewProcessor(fetcher *fetch.Fetcher, delayResolver *delay.Resolver, scope ScopeStrategy, enqueue EnqueueFunc, log *logrus.Entry) *Processor {
	return &Processor{
		fetcher:           fetcher,
		delay:             delayResolver,
		scope:             scope,
		enqueue:           enqueue,
		log:               log.WithField("component", "sitemap_processor"),
		sitemapsProcessed: make(map[string]bool),
	}
}

// MarkSitemapProcessed records that a sitemap URL has been claimed for processing.
// Returns true if it was newly marked, false if already marked.
func (sp *Processor) MarkSitemapProcessed(sitemapURL string) bool {
	sp.sitemapsProcessedMu.Lock()
	defer sp.sitemapsProcessedMu.Unlock()
	if !sp.sitemapsProcessed[sitemapURL] {
		sp.sitemapsProcessed[sitemapURL] = true
		return true
	}
	return false
}

// Process fetches sitemapURL, follows sitemap indexes and queues every in-scope entry.
// Sitemaps seen before in this session are skipped. Returns the number of newly queued references.
func (sp *Processor) Process(ctx context.Context, sitemapURL string) (int, error) {
	return sp.process(ctx, sitemapURL, 0)
}

func (sp *Processor) process(ctx context.Context, sitemapURL string, nesting int) (queued int, err error) {
	sitemapLog := sp.log.WithField("sitemap_url", sitemapURL)
	if !sp.MarkSitemapProcessed(sitemapURL) {
		sitemapLog.Debug("Sitemap already processed")
		return 0, nil
	}
	if nesting > maxNesting {
		sitemapLog.Warnf("Sitemap index nesting exceeds %d, skipping", maxNesting)
		return 0, nil
	}

	defer func() {
		if r := recover(); r != nil {
			sitemapLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC Recovered in sitemap processing")
			err = fmt.Errorf("panic processing sitemap '%s': %v", sitemapURL, r)
		}
	}()

	if _, perr := url.ParseRequestURI(sitemapURL); perr != nil {
		return 0, fmt.Errorf("%w: sitemap URL '%s': %w", utils.ErrParsing, sitemapURL, perr)
	}

	if sp.delay != nil {
		if _, derr := sp.delay.Delay(ctx, delay.NoRobotsDelay, sitemapURL); derr != nil {
			return 0, derr
		}
	}

	sitemapLog.Info("Processing sitemap")
	resp, err := sp.fetcher.FetchFollowing(ctx, sitemapURL)
	if err != nil {
		return 0, fmt.Errorf("fetching sitemap '%s': %w", sitemapURL, err)
	}
	if resp.State != models.StateNew {
		return 0, fmt.Errorf("sitemap '%s': %w", sitemapURL, &utils.StatusError{Code: resp.StatusCode})
	}

	entries, children, err := parse.ParseSitemap(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("sitemap '%s': %w", sitemapURL, err)
	}

	if len(children) > 0 {
		sitemapLog.Infof("Parsed as Sitemap Index, found %d references.", len(children))
		for _, child := range children {
			n, childErr := sp.process(ctx, child, nesting+1)
			if childErr != nil {
				sitemapLog.WithField("nested_sitemap", child).Warnf("Nested sitemap failed: %v", childErr)
			}
			queued += n
			if ctx.Err() != nil {
				return queued, ctx.Err()
			}
		}
		return queued, nil
	}

	sitemapLog.Infof("Parsed as URL Set, found %d URLs.", len(entries))
	outOfScope := 0
	for _, entry := range entries {
		if sp.scope != nil && !sp.scope.IsInScope(sitemapURL, entry.Loc) {
			outOfScope++
			continue
		}
		ref := models.NewReference(entry.Loc, 0)
		ref.SitemapLastMod = entry.LastMod
		ref.SitemapChangeFreq = entry.ChangeFreq
		ref.SitemapPriority = entry.Priority
		if sp.enqueue(ctx, ref) {
			queued++
		}
	}
	sitemapLog.WithField("out_of_scope", outOfScope).Infof("Finished URL Set. Queued %d new URLs.", queued)
	return queued, nil
}
