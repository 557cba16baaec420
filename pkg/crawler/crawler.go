// Package crawler runs crawl sessions for one configured crawler: it seeds the queue,
// drives the worker pool through the processing pipeline and closes the session.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/checksum"
	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/delay"
	"github.com/Sriram-PR/politecrawler/pkg/events"
	"github.com/Sriram-PR/politecrawler/pkg/extract"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/importer"
	"github.com/Sriram-PR/politecrawler/pkg/metrics"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/parse"
	"github.com/Sriram-PR/politecrawler/pkg/pipeline"
	"github.com/Sriram-PR/politecrawler/pkg/queue"
	"github.com/Sriram-PR/politecrawler/pkg/scope"
	"github.com/Sriram-PR/politecrawler/pkg/sitemap"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// ReferenceLogFilename is written to the crawler's output directory when the reference log is enabled
const ReferenceLogFilename = "references.tsv"

// progressInterval is how often a running session logs its progress
const progressInterval = 30 * time.Second

// Crawler runs crawl sessions for a single configured crawler
type Crawler struct {
	log        *logrus.Entry // Logger contextualized with crawler
	appCfg     *config.AppConfig
	crawlerCfg *config.CrawlerConfig
	crawlerKey string
	outputDir  string // Base output directory for *this crawler's* files

	// Components shared by every session
	store      storage.Store
	fetcher    *fetch.Fetcher
	delay      *delay.Resolver
	scope      *scope.URLScope
	normalizer parse.Normalizer
	metrics    *metrics.Metrics

	// Per-session state, reset by Run
	queue            *queue.ReferenceQueue
	engine           *pipeline.Engine
	sitemaps         *sitemap.Processor
	tasks            *sync.WaitGroup // Queued references and sitemap tasks not yet finished
	sitemapTasks     sync.WaitGroup
	processedCounter atomic.Int64
	crawlCtx         context.Context
	cancelCrawl      context.CancelCauseFunc
	running          atomic.Bool

	foundSitemaps   map[string]bool // Sitemaps announced by robots.txt this session
	foundSitemapsMu sync.Mutex

	summaryMu   sync.Mutex
	lastSummary *models.SessionSummary
}

// Options contains optional collaborators for NewCrawler
type Options struct {
	// Fetcher shares the HTTP client and request limits across crawlers.
	// If nil, the crawler builds its own from the app config.
	Fetcher *fetch.Fetcher
	Metrics *metrics.Metrics
}

// NewCrawler creates a Crawler over an opened store. crawlerCfg must be validated.
func NewCrawler(
	appCfg *config.AppConfig,
	crawlerCfg *config.CrawlerConfig,
	crawlerKey string,
	store storage.Store,
	baseLogger *logrus.Entry,
	opts *Options,
) (*Crawler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: crawler '%s' without reference store", utils.ErrInvariant, crawlerKey)
	}
	logger := baseLogger.WithField("crawler", crawlerKey)

	var fetcher *fetch.Fetcher
	var m *metrics.Metrics
	if opts != nil {
		fetcher = opts.Fetcher
		m = opts.Metrics
	}
	if fetcher == nil {
		client := fetch.NewClient(appCfg.HTTPClientSettings, logger)
		fetcher = fetch.NewFetcher(client, appCfg, fetch.NewLimits(appCfg, logger), logger.WithField("component", "fetcher"))
	}
	fetcher = fetcher.WithUserAgent(config.GetEffectiveUserAgent(*crawlerCfg, *appCfg))

	delayCfg := config.GetEffectiveDelay(*crawlerCfg, *appCfg)

	c := &Crawler{
		log:        logger,
		appCfg:     appCfg,
		crawlerCfg: crawlerCfg,
		crawlerKey: crawlerKey,
		outputDir:  OutputDirFor(appCfg, crawlerKey),
		store:      store,
		fetcher:    fetcher,
		delay:      delay.NewResolver(delayCfg.Options(), logger),
		scope:      scope.New(crawlerCfg.Scope),
		normalizer: parse.Normalizer{KeepQuery: crawlerCfg.KeepQueryStrings},
		metrics:    m,
	}
	if n := len(crawlerCfg.DisallowedRegexps()); n > 0 {
		logger.Infof("Using %d disallowed patterns.", n)
	}
	return c, nil
}

// Key returns the crawler's configuration key
func (c *Crawler) Key() string { return c.crawlerKey }

// OutputDir returns the directory holding the crawler's documents and session summary
func (c *Crawler) OutputDir() string { return c.outputDir }

// OutputDirFor returns the output directory a crawler with this key writes to
func OutputDirFor(appCfg *config.AppConfig, crawlerKey string) string {
	return filepath.Join(appCfg.OutputBaseDir, utils.PathSegment(crawlerKey))
}

// Store returns the reference store the crawler runs on
func (c *Crawler) Store() storage.Store { return c.store }

// FoundSitemap implements fetch.SitemapDiscoverer. Sitemaps announced by robots.txt are
// processed when discover_sitemaps is enabled.
func (c *Crawler) FoundSitemap(sitemapURL string) {
	if !c.crawlerCfg.DiscoverSitemaps {
		return
	}
	c.foundSitemapsMu.Lock()
	isNew := !c.foundSitemaps[sitemapURL]
	c.foundSitemaps[sitemapURL] = true
	c.foundSitemapsMu.Unlock()

	if isNew {
		c.log.Debugf("Crawler notified of newly found sitemap: %s", sitemapURL)
		c.startSitemap(sitemapURL)
	}
}

// Progress contains progress information for a crawler
type Progress struct {
	CrawlerKey  string
	Processed   int64
	QueueLength int
	IsRunning   bool
}

// GetProgress returns the current progress of the crawler
func (c *Crawler) GetProgress() Progress {
	p := Progress{
		CrawlerKey: c.crawlerKey,
		Processed:  c.processedCounter.Load(),
		IsRunning:  c.running.Load(),
	}
	if q := c.queue; q != nil && p.IsRunning {
		p.QueueLength = q.Len()
	}
	return p
}

// LastSummary returns the summary of the most recent finished session, nil before the first
func (c *Crawler) LastSummary() *models.SessionSummary {
	c.summaryMu.Lock()
	defer c.summaryMu.Unlock()
	return c.lastSummary
}

// push hands a queued reference to the workers
func (c *Crawler) push(ref *models.Reference) {
	if c.crawlCtx.Err() != nil {
		// Stays queued in the store for the next resume
		return
	}
	c.tasks.Add(1)
	c.queue.Add(ref)
	c.metrics.SetQueueLength(c.crawlerKey, c.queue.Len())
}

// Run executes one crawl session and blocks until the queue drains or ctx is cancelled.
// A fresh session moves the last session's results aside for recrawl decisions; a resumed
// one picks up the references an interrupted session left queued or active.
func (c *Crawler) Run(ctx context.Context, resume bool) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("crawler '%s' is already running", c.crawlerKey)
	}
	defer c.running.Store(false)

	sessionID := uuid.NewString()
	startTime := time.Now()
	runLog := c.log.WithFields(logrus.Fields{"session_id": sessionID, "resume": resume})
	numWorkers := config.GetEffectiveNumWorkers(*c.crawlerCfg, *c.appCfg)
	runLog.Infof("Crawl starting with %d worker(s)...", numWorkers)

	c.crawlCtx, c.cancelCrawl = context.WithCancelCause(ctx)
	defer c.cancelCrawl(nil)
	c.processedCounter.Store(0)
	c.tasks = &sync.WaitGroup{}
	c.foundSitemaps = make(map[string]bool)

	seeds := c.validStartURLs(runLog)
	if len(seeds) == 0 && len(c.crawlerCfg.Sitemaps) == 0 && !resume {
		return fmt.Errorf("no valid start_urls found for crawler '%s' matching scope", c.crawlerKey)
	}

	// --- Session store ---
	if !resume {
		if _, err := c.store.StartSession(c.crawlCtx); err != nil {
			return fmt.Errorf("starting session for crawler '%s': %w", c.crawlerKey, err)
		}
	}

	// --- Importer and events ---
	imp := importer.NewJSONLImporter(c.outputDir, config.GetEffectiveImportBody(*c.crawlerCfg, *c.appCfg), sessionID, runLog)
	if err := imp.Open(resume); err != nil {
		return err
	}
	defer func() {
		if err := imp.Close(); err != nil {
			runLog.Errorf("Failed to close importer: %v", err)
		}
	}()

	sink := events.NewAsyncSink(events.MultiSink{
		events.NewLogSink(runLog),
		c.metrics.EventCounter(c.crawlerKey),
	}, c.appCfg.EventBufferSize)
	defer func() {
		sink.Close()
		if dropped := sink.Dropped(); dropped > 0 {
			runLog.Warnf("%d crawl events dropped, event buffer was full", dropped)
		}
	}()
	emitter := events.NewEmitter(sink, sessionID)

	// --- Session components ---
	if err := c.buildSession(imp, emitter, runLog); err != nil {
		return err
	}

	emitter.Emit(events.CrawlerStarted, nil, c.crawlerKey, "")

	// --- Workers ---
	var workersWg sync.WaitGroup
	for i := 1; i <= numWorkers; i++ {
		workersWg.Add(1)
		go func(id int) {
			defer workersWg.Done()
			c.worker(id)
		}(i)
	}
	runLog.Infof("%d workers started.", numWorkers)

	// --- Seeding, counted as a task so the queue cannot look drained meanwhile ---
	c.tasks.Add(1)
	c.seed(seeds, resume, runLog)
	c.tasks.Done()

	// --- Wait for the queue to drain, then revisit orphans ---
	stopProgress := c.startProgressReporter(runLog)
	for c.waitForTasks() {
		if c.crawlerCfg.OrphansStrategy != config.OrphansProcess {
			break
		}
		if queued := c.queueOrphans(runLog); queued == 0 {
			break
		}
	}
	stopProgress()

	runLog.Info("Closing reference queue...")
	c.queue.Close()
	workersWg.Wait()
	c.sitemapTasks.Wait()

	emitter.Emit(events.CrawlerFinished, nil, c.crawlerKey, "")
	c.finishSession(sessionID, startTime, resume, imp, runLog)

	return context.Cause(c.crawlCtx)
}

// buildSession wires the per-session queue, pipeline engine and sitemap processor
func (c *Crawler) buildSession(imp importer.Importer, emitter *events.Emitter, runLog *logrus.Entry) error {
	cfg := c.crawlerCfg
	c.queue = queue.NewReferenceQueue(runLog)

	comps := pipeline.Components{
		Store:      c.store,
		Fetcher:    c.fetcher,
		Normalizer: c.normalizer,
		Scope:      c.scope,
		Push:       c.push,
		Delay:      c.delay,
		Recrawl:    cfg.Recrawl.NewResolver(runLog),
		LinkExtractors: []extract.LinkExtractor{
			extract.NewHTMLLinkExtractor(cfg.LinkExtractionSelectors, cfg.RespectNofollow, runLog.WithField("component", "link_extractor")),
		},
		Importer: imp,
		Events:   emitter,
		Metrics:  c.metrics,
	}
	if !cfg.IgnoreRobotsTxt {
		comps.Robots = fetch.NewRobotsProvider(c.fetcher, c, runLog.WithField("component", "robots"))
	}
	if !cfg.IgnoreCanonicalLinks {
		comps.Canonical = extract.CanonicalDetector{}
	}
	if !cfg.IgnoreRobotsMeta {
		comps.RobotsMeta = extract.NewRobotsMetaProvider(c.fetcher.UserAgent())
	}
	if !cfg.MetadataChecksum.Disabled {
		comps.MetaChecksummer = checksum.NewHeaderChecksummer(cfg.MetadataChecksum.Fields)
	}
	if !cfg.ContentChecksum.Disabled {
		comps.DocChecksummer = checksum.SHA256Checksummer{}
	}
	if cfg.SaveRawDocuments {
		comps.Consumers = append(comps.Consumers, importer.NewRawSaver(filepath.Join(c.outputDir, "raw"), runLog))
	}

	opts := pipeline.Options{
		CrawlerKey:          c.crawlerKey,
		MaxDepth:            cfg.MaxDepth,
		Disallowed:          cfg.DisallowedRegexps(),
		ContentTypeIncludes: cfg.ContentTypeIncludeRegexps(),
		ContentTypeExcludes: cfg.ContentTypeExcludeRegexps(),
		FetchMetadataFirst:  cfg.FetchMetadataFirst,
		MetadataDedup:       cfg.MetadataChecksum.DedupEnabled(false),
		ContentDedup:        cfg.ContentChecksum.DedupEnabled(true),
	}
	engine, err := pipeline.NewEngine(opts, comps, runLog)
	if err != nil {
		return err
	}
	c.engine = engine
	c.sitemaps = sitemap.NewProcessor(c.fetcher, c.delay, c.scope, engine.Enqueue, runLog)
	return nil
}

// validStartURLs keeps the start URLs that normalize and fall inside the crawl scope
func (c *Crawler) validStartURLs(runLog *logrus.Entry) []string {
	var valid []string
	seen := make(map[string]bool, len(c.crawlerCfg.StartURLs))
	for i, raw := range c.crawlerCfg.StartURLs {
		startLog := runLog.WithFields(logrus.Fields{"index": i, "url": raw})
		normalized := c.normalizer.Normalize(raw)
		if normalized == "" {
			startLog.Warn("Invalid start URL. Skipping.")
			continue
		}
		if seen[normalized] {
			startLog.Warn("Duplicate start URL. Skipping.")
			continue
		}
		seen[normalized] = true
		if ok, rule := c.scope.Check("", normalized); !ok {
			startLog.Warnf("Start URL out of scope (%s). Skipping.", rule)
			continue
		}
		valid = append(valid, normalized)
	}
	runLog.Infof("Using %d valid start URLs: %v", len(valid), valid)
	return valid
}

// seed queues the start URLs, resumed references and configured sitemaps
func (c *Crawler) seed(seeds []string, resume bool, runLog *logrus.Entry) {
	if resume {
		requeued, scanErrors, err := c.store.RequeueIncomplete(c.crawlCtx, c.push)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			runLog.Errorf("Error encountered during resume scan: %v", err)
		}
		runLog.WithField("scan_errors", scanErrors).Infof("Requeued %d incomplete references.", requeued)
	}

	added := 0
	for _, seedURL := range seeds {
		if c.engine.Enqueue(c.crawlCtx, models.NewReference(seedURL, 0)) {
			added++
		}
	}
	runLog.Infof("Seeded %d of %d start URLs.", added, len(seeds))

	for _, sitemapURL := range c.crawlerCfg.Sitemaps {
		c.startSitemap(sitemapURL)
	}
}

// startSitemap processes a sitemap in the background as a tracked task
func (c *Crawler) startSitemap(sitemapURL string) {
	c.tasks.Add(1)
	c.sitemapTasks.Add(1)
	go func() {
		defer c.sitemapTasks.Done()
		defer c.tasks.Done()
		queued, err := c.sitemaps.Process(c.crawlCtx, sitemapURL)
		sitemapLog := c.log.WithField("sitemap_url", sitemapURL)
		if err != nil {
			sitemapLog.Warnf("Sitemap processing failed: %v", err)
			return
		}
		sitemapLog.Infof("Sitemap queued %d references", queued)
	}()
}

// worker runs the loop for a single worker goroutine, processing references from the queue
func (c *Crawler) worker(id int) {
	workerLog := c.log.WithField("worker_id", id)
	workerCtx := delay.WithThreadKey(c.crawlCtx, fmt.Sprintf("%s-%d", c.crawlerKey, id))
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		// Check context before potentially blocking Pop
		select {
		case <-c.crawlCtx.Done():
			workerLog.Debugf("Worker shutting down due to context cancellation: %v", context.Cause(c.crawlCtx))
			return
		default:
		}

		ref, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.metrics.SetQueueLength(c.crawlerKey, c.queue.Len())

		refCtx, done := detach(workerCtx, c.appCfg.HTTPClientSettings.Timeout)
		err := c.engine.ProcessReference(refCtx, ref, workerLog)
		done()
		c.processedCounter.Add(1)
		c.tasks.Done()

		if utils.IsFatal(err) {
			workerLog.Errorf("Aborting crawl session: %v", err)
			c.cancelCrawl(err)
		}
	}
}

// detach returns a context carrying ctx's values that is cancelled only once grace has
// passed after ctx was. A reference a worker already took finishes its current stage on it.
func detach(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.AfterFunc(grace, cancel)
		context.AfterFunc(detached, func() { timer.Stop() })
	})
	return detached, func() {
		stop()
		cancel()
	}
}

// waitForTasks blocks until every queued reference and sitemap task finished.
// Returns false if the session was cancelled first.
func (c *Crawler) waitForTasks() bool {
	done := make(chan struct{})
	tasks := c.tasks
	go func() { tasks.Wait(); close(done) }()
	select {
	case <-done:
		return true
	case <-c.crawlCtx.Done():
		c.log.Warnf("Crawl cancelled while waiting for tasks: %v", context.Cause(c.crawlCtx))
		return false
	}
}

// queueOrphans queues the previous-session references this session did not reach
func (c *Crawler) queueOrphans(runLog *logrus.Entry) int {
	queued := 0
	found, err := c.store.ForEachOrphan(c.crawlCtx, func(ref *models.Reference) {
		if c.engine.Enqueue(c.crawlCtx, ref) {
			queued++
		}
	})
	if err != nil {
		runLog.Errorf("Orphan scan failed: %v", err)
		return 0
	}
	if found > 0 {
		runLog.Infof("Queued %d of %d orphan references from the previous session.", queued, found)
	}
	return queued
}

// startProgressReporter logs progress periodically until the returned func is called
func (c *Crawler) startProgressReporter(runLog *logrus.Entry) (stop func()) {
	ticker := time.NewTicker(progressInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-c.crawlCtx.Done():
				return
			case <-ticker.C:
				known, _ := c.store.Count()
				runLog.WithFields(logrus.Fields{
					"known_references": known,
					"queue_len":        c.queue.Len(),
					"processed":        c.processedCounter.Load(),
				}).Info("Crawl Progress")
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// finishSession writes the session summary and, if enabled, the reference log
func (c *Crawler) finishSession(sessionID string, startTime time.Time, resume bool, imp *importer.JSONLImporter, runLog *logrus.Entry) {
	counts, err := c.store.CountStates()
	if err != nil {
		runLog.Warnf("Could not count reference states: %v", err)
	}
	summary := &models.SessionSummary{
		SessionID:      sessionID,
		CrawlerKey:     c.crawlerKey,
		StartTime:      startTime,
		EndTime:        time.Now(),
		Resumed:        resume,
		DocsImported:   imp.Imported(),
		StateCounts:    counts,
		ConfigSnapshot: importer.ConfigSnapshot(c.crawlerCfg, runLog),
	}
	if path, err := importer.WriteSessionSummary(c.outputDir, summary); err != nil {
		runLog.Errorf("Failed to write session summary: %v", err)
	} else {
		runLog.Infof("Session summary written to %s", path)
	}

	if config.GetEffectiveWriteReferenceLog(*c.crawlerCfg, *c.appCfg) {
		if err := c.store.WriteReferenceLog(filepath.Join(c.outputDir, ReferenceLogFilename)); err != nil {
			runLog.Errorf("Failed to write reference log: %v", err)
		}
	}

	c.summaryMu.Lock()
	c.lastSummary = summary
	c.summaryMu.Unlock()

	summaryLog := c.log.WithField("domain", c.crawlerCfg.Scope.AllowedDomain)
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", summary.EndTime.Sub(startTime))
	summaryLog.Infof("Final Stats: Processed: %d, Imported: %d, States: %v",
		c.processedCounter.Load(), summary.DocsImported, counts)
	summaryLog.Info("========================================================================")
}
