package orchestrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/crawler"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/metrics"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
)

const (
	gcInterval       = 10 * time.Minute // Reference database garbage collection
	evictionInterval = 5 * time.Minute  // Idle per-host semaphore cleanup
)

// CrawlerResult contains the result of one crawler's session
type CrawlerResult struct {
	CrawlerKey   string
	Success      bool
	Error        error
	Processed    int64
	DocsImported int
	Duration     time.Duration
}

// Options tune an Orchestrator
type Options struct {
	Resume  bool // Continue interrupted sessions instead of starting new ones
	Reset   bool // Wipe stored crawl state before starting
	Metrics *metrics.Metrics
}

// Orchestrator runs several crawlers in parallel over a shared fetcher,
// so the global request limits apply across all of them
type Orchestrator struct {
	appCfg      *config.AppConfig
	log         *logrus.Entry
	crawlerKeys []string
	opts        Options

	// Shared resources
	fetcher *fetch.Fetcher
	limits  fetch.Limits

	crawlers   map[string]*crawler.Crawler
	crawlersMu sync.Mutex

	// Results
	results   []CrawlerResult
	resultsMu sync.Mutex
}

// NewOrchestrator creates a new orchestrator for parallel crawling
func NewOrchestrator(appCfg *config.AppConfig, crawlerKeys []string, opts Options, log *logrus.Entry) *Orchestrator {
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	limits := fetch.NewLimits(appCfg, log)
	fetcher := fetch.NewFetcher(httpClient, appCfg, limits, log.WithField("component", "fetcher"))

	return &Orchestrator{
		appCfg:      appCfg,
		log:         log,
		crawlerKeys: crawlerKeys,
		opts:        opts,
		fetcher:     fetcher,
		limits:      limits,
		crawlers:    make(map[string]*crawler.Crawler, len(crawlerKeys)),
		results:     make([]CrawlerResult, 0, len(crawlerKeys)),
	}
}

// Run starts all crawlers in parallel and waits for them to finish.
// A failing crawler does not stop the others; cancelling ctx stops all of them.
func (o *Orchestrator) Run(ctx context.Context) []CrawlerResult {
	startTime := time.Now()
	o.log.Infof("Starting parallel crawl of %d crawlers: %v", len(o.crawlerKeys), o.crawlerKeys)

	evictCtx, stopEviction := context.WithCancel(ctx)
	defer stopEviction()
	go o.limits.Hosts.RunEviction(evictCtx, evictionInterval)

	var g errgroup.Group
	for _, key := range o.crawlerKeys {
		g.Go(func() error {
			result := o.runCrawler(ctx, key)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.resultsMu.Lock()
	results := slices.Clone(o.results)
	o.resultsMu.Unlock()
	slices.SortFunc(results, func(a, b CrawlerResult) int {
		return cmp.Compare(a.CrawlerKey, b.CrawlerKey)
	})

	logSummary(o.log, results, time.Since(startTime))
	return results
}

// runCrawler runs one crawler session with its own reference store
func (o *Orchestrator) runCrawler(ctx context.Context, crawlerKey string) CrawlerResult {
	startTime := time.Now()
	result := CrawlerResult{CrawlerKey: crawlerKey}
	crawlerLog := o.log.WithField("crawler", crawlerKey)

	crawlerCfg, exists := o.appCfg.Crawlers[crawlerKey]
	if !exists {
		result.Error = fmt.Errorf("crawler '%s' not found in configuration", crawlerKey)
		crawlerLog.Error(result.Error)
		return result
	}

	crawlerCtx, crawlerCancel := context.WithCancel(ctx)
	defer crawlerCancel()

	store, err := storage.NewBadgerStore(crawlerCtx, o.appCfg.StateDir, crawlerKey, o.opts.Reset, crawlerLog)
	if err != nil {
		result.Error = fmt.Errorf("failed to create store for '%s': %w", crawlerKey, err)
		crawlerLog.Errorf("Failed to create store: %v", err)
		return result
	}
	defer func() {
		crawlerCancel() // Stops GC before the database closes
		if err := store.Close(); err != nil {
			crawlerLog.Errorf("Error closing store: %v", err)
		}
	}()
	go store.RunGC(crawlerCtx, gcInterval)

	c, err := crawler.NewCrawler(o.appCfg, &crawlerCfg, crawlerKey, store, o.log, &crawler.Options{
		Fetcher: o.fetcher,
		Metrics: o.opts.Metrics,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to create crawler '%s': %w", crawlerKey, err)
		crawlerLog.Errorf("Failed to create crawler: %v", err)
		return result
	}
	o.crawlersMu.Lock()
	o.crawlers[crawlerKey] = c
	o.crawlersMu.Unlock()

	crawlerLog.Info("Starting crawl")
	if err := c.Run(crawlerCtx, o.opts.Resume); err != nil {
		result.Error = err
		crawlerLog.Errorf("Crawl failed: %v", err)
	} else {
		result.Success = true
		crawlerLog.Info("Crawl completed")
	}

	result.Processed = c.GetProgress().Processed
	if summary := c.LastSummary(); summary != nil {
		result.DocsImported = summary.DocsImported
	}
	result.Duration = time.Since(startTime)
	return result
}

// GetProgress returns the current progress of every started crawler
func (o *Orchestrator) GetProgress() []crawler.Progress {
	o.crawlersMu.Lock()
	defer o.crawlersMu.Unlock()

	progress := make([]crawler.Progress, 0, len(o.crawlers))
	for _, c := range o.crawlers {
		progress = append(progress, c.GetProgress())
	}
	slices.SortFunc(progress, func(a, b crawler.Progress) int {
		return cmp.Compare(a.CrawlerKey, b.CrawlerKey)
	})
	return progress
}

// Crawler returns the started crawler for key, nil if it has not started
func (o *Orchestrator) Crawler(key string) *crawler.Crawler {
	o.crawlersMu.Lock()
	defer o.crawlersMu.Unlock()
	return o.crawlers[key]
}

// logSummary logs a summary of all crawl results
func logSummary(log *logrus.Entry, results []CrawlerResult, totalDuration time.Duration) {
	log.Info("============================================")
	log.Infof("Parallel crawl completed in %v", totalDuration)
	log.Info("Crawler Results:")

	var totalProcessed int64
	totalImported := 0
	successCount := 0
	failCount := 0

	for _, r := range results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		totalProcessed += r.Processed
		totalImported += r.DocsImported

		log.Infof("  %s: %s - %d references, %d documents in %v", r.CrawlerKey, status, r.Processed, r.DocsImported, r.Duration)
		if r.Error != nil {
			log.Infof("    Error: %v", r.Error)
		}
	}

	log.Info("--------------------------------------------")
	log.Infof("Total: %d crawlers (%d success, %d failed), %d references processed, %d documents imported",
		len(results), successCount, failCount, totalProcessed, totalImported)
	log.Info("============================================")
}

// ValidateCrawlerKeys checks that all provided crawler keys exist in the config
func ValidateCrawlerKeys(appCfg *config.AppConfig, crawlerKeys []string) error {
	for _, key := range crawlerKeys {
		if _, exists := appCfg.Crawlers[key]; !exists {
			return fmt.Errorf("crawler '%s' not found. Available crawlers: %v", key, GetAllCrawlerKeys(appCfg))
		}
	}
	return nil
}

// GetAllCrawlerKeys returns all crawler keys from the config, sorted
func GetAllCrawlerKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Crawlers))
	for k := range appCfg.Crawlers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
