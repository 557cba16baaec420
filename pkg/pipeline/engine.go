package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/checksum"
	"github.com/Sriram-PR/politecrawler/pkg/events"
	"github.com/Sriram-PR/politecrawler/pkg/extract"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/importer"
	"github.com/Sriram-PR/politecrawler/pkg/metrics"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Fetcher performs one request per fetch phase without following redirects
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, method string, since time.Time) (*fetch.Response, error)
}

// RobotsTxtProvider returns the robots.txt rules for a URL's site, nil when there are none
type RobotsTxtProvider interface {
	GetRobotsTxt(ctx context.Context, rawURL string) *fetch.RobotsTxt
}

// CanonicalLinkDetector finds the canonical URL a document declares
type CanonicalLinkDetector interface {
	FromHeaders(base *url.URL, headers http.Header) string
	FromContent(c *extract.Content) string
}

// RobotsMetaProvider reads robots directives from a fetched document
type RobotsMetaProvider interface {
	Get(c *extract.Content) models.RobotsMeta
}

// URLNormalizer returns the identity form of a URL, "" if it cannot be used
type URLNormalizer interface {
	Normalize(rawURL string) string
}

// ScopeStrategy decides whether candidate may be crawled when discovered from source
type ScopeStrategy interface {
	IsInScope(source, candidate string) bool
}

// Delayer blocks until it is polite to fetch a URL
type Delayer interface {
	Delay(ctx context.Context, robotsDelay time.Duration, rawURL string) (time.Duration, error)
}

// RecrawlResolver decides whether a previous-session reference is due again
type RecrawlResolver interface {
	IsRecrawlable(prev *models.Reference) bool
}

// Store is the part of the reference store the engine needs
type Store interface {
	storage.ReferenceStore
	storage.ChecksumStore
}

// Options are the per-crawler settings the stages apply
type Options struct {
	CrawlerKey          string
	MaxDepth            int // 0 = unlimited
	Disallowed          []*regexp.Regexp
	ContentTypeIncludes []*regexp.Regexp
	ContentTypeExcludes []*regexp.Regexp
	FetchMetadataFirst  bool
	MetadataDedup       bool
	ContentDedup        bool
}

// Components are the collaborators the stages call. Optional ones may be nil:
// a nil Robots ignores robots.txt, a nil Canonical ignores canonical links,
// a nil checksummer skips both its checksum and dedup stages.
type Components struct {
	Store           Store
	Fetcher         Fetcher
	Normalizer      URLNormalizer
	Scope           ScopeStrategy
	Push            func(ref *models.Reference) // Hands a queued reference to the workers
	Robots          RobotsTxtProvider
	Delay           Delayer
	Recrawl         RecrawlResolver
	LinkExtractors  []extract.LinkExtractor
	Canonical       CanonicalLinkDetector
	RobotsMeta      RobotsMetaProvider
	MetaChecksummer checksum.MetadataChecksummer
	DocChecksummer  checksum.DocumentChecksummer
	Consumers       []importer.DocumentConsumer
	Importer        importer.Importer
	Events          *events.Emitter
	Metrics         *metrics.Metrics
}

// Engine runs references through the queue pipeline and the processing stage chain
type Engine struct {
	opts Options
	Components
	redirects *RedirectTracker
	canonical *CanonicalResolver
	pipeline  *Pipeline
	log       *logrus.Entry
}

// NewEngine wires an Engine. Missing required collaborators are a wiring bug.
func NewEngine(opts Options, comps Components, log *logrus.Entry) (*Engine, error) {
	switch {
	case comps.Store == nil:
		return nil, fmt.Errorf("%w: engine without reference store", utils.ErrInvariant)
	case comps.Fetcher == nil:
		return nil, fmt.Errorf("%w: engine without fetcher", utils.ErrInvariant)
	case comps.Normalizer == nil:
		return nil, fmt.Errorf("%w: engine without URL normalizer", utils.ErrInvariant)
	case comps.Scope == nil:
		return nil, fmt.Errorf("%w: engine without scope strategy", utils.ErrInvariant)
	case comps.Push == nil:
		return nil, fmt.Errorf("%w: engine without queue", utils.ErrInvariant)
	}

	e := &Engine{
		opts:       opts,
		Components: comps,
		log:        log.WithField("component", "pipeline"),
	}
	e.redirects = NewRedirectTracker(comps.Store, comps.Normalizer, comps.Scope, e.Enqueue, comps.Push, comps.Events, log)
	e.canonical = NewCanonicalResolver(comps.Store, comps.Normalizer, comps.Scope, e.Enqueue, comps.Events, log)
	e.pipeline = New(e.DefaultStages()...).WithObserver(func(stage string, d time.Duration) {
		e.Metrics.ObserveStage(opts.CrawlerKey, stage, d)
	})
	return e, nil
}

// Pipeline returns the processing stage chain
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// Redirects returns the redirect tracker used by the fetch stages
func (e *Engine) Redirects() *RedirectTracker { return e.redirects }

// Canonicals returns the canonical resolver used by the canonical stages
func (e *Engine) Canonicals() *CanonicalResolver { return e.canonical }

// Enqueue runs the queue pipeline for a discovered reference: normalization, depth,
// reference filters and robots.txt, then records it as queued and hands it to the workers.
// Returns true if the reference was newly queued.
func (e *Engine) Enqueue(ctx context.Context, ref *models.Reference) bool {
	normalized := e.Normalizer.Normalize(ref.URL)
	if normalized == "" {
		e.log.WithField("url", ref.URL).Debug("Dropping reference that cannot be normalized")
		return false
	}
	ref.URL = normalized
	ref.Stage = models.StageUnset
	ref.State = models.StateUnset

	if e.opts.MaxDepth > 0 && ref.Depth > e.opts.MaxDepth {
		return e.rejectQueued(ref, events.RejectedTooDeep, fmt.Sprintf("depth %d > max %d", ref.Depth, e.opts.MaxDepth))
	}
	if re := utils.FirstMatch(e.opts.Disallowed, ref.URL); re != nil {
		return e.rejectQueued(ref, events.RejectedFilter, re.String())
	}
	if e.Robots != nil {
		if u, err := url.Parse(ref.URL); err == nil && !e.Robots.GetRobotsTxt(ctx, ref.URL).Allowed(u.RequestURI()) {
			return e.rejectQueued(ref, events.RejectedRobotsTxt, "disallowed by robots.txt")
		}
	}

	queued, err := e.Store.Queue(ref)
	if err != nil {
		e.log.WithField("url", ref.URL).Errorf("Failed to queue reference: %v", err)
		return false
	}
	if !queued {
		e.log.WithField("url", ref.URL).Trace("Reference already known")
		return false
	}
	e.Push(ref.Clone())
	e.Events.Emit(events.DocumentQueued, ref, ref.ReferrerReference, "")
	return true
}

// rejectQueued records a reference filtered before it was ever queued
func (e *Engine) rejectQueued(ref *models.Reference, event, reason string) bool {
	ref.State = models.StateRejectedFilter
	added, err := e.Store.Reject(ref)
	if err != nil {
		e.log.WithField("url", ref.URL).Errorf("Failed to record rejected reference: %v", err)
		return false
	}
	if added {
		e.log.WithFields(logrus.Fields{"url": ref.URL, "event": event}).Debugf("Reference rejected: %s", reason)
		e.Events.Emit(event, ref, ref.ReferrerReference, reason)
	}
	return false
}

// ProcessReference claims a queued reference and runs it through the stage chain.
// Per-reference failures end as a terminal state; only invariant violations are returned.
func (e *Engine) ProcessReference(ctx context.Context, queued *models.Reference, workerLog *logrus.Entry) error {
	ref, ok, err := e.Store.Activate(queued.URL)
	if err != nil {
		workerLog.WithField("url", queued.URL).Errorf("Failed to activate reference: %v", err)
		return nil
	}
	if !ok {
		workerLog.WithField("url", queued.URL).Debug("Reference no longer queued, skipping")
		return nil
	}

	taskLog := workerLog.WithFields(logrus.Fields{"url": ref.URL, "depth": ref.Depth})
	prev, err := e.Store.GetPrevious(ref.URL)
	if err != nil {
		taskLog.Warnf("Failed to read previous-session record, treating as never crawled: %v", err)
		prev = nil
	}

	pc := NewContext(ref, prev, taskLog)
	startTime := time.Now()
	e.execute(ctx, pc)

	if ctx.Err() != nil && (!ref.State.IsValid() || ref.State == models.StateRejectedBadStatus) && pc.Err() == nil {
		// Left active so a resumed session queues it again
		taskLog.Info("Processing interrupted past the shutdown grace period, leaving reference for resume")
		return nil
	}
	if !ref.State.IsValid() {
		// The chain stopped without saying why
		e.reject(pc, models.StateRejectedBadStatus, events.RejectedError, "", "processing stopped without a terminal state")
	}
	if err := e.Store.Process(ref); err != nil {
		if errors.Is(err, utils.ErrIllegalTransition) {
			return fmt.Errorf("%w: %w", utils.ErrInvariant, err)
		}
		taskLog.Errorf("Failed to store processed reference: %v", err)
	}

	e.Metrics.IncProcessed(e.opts.CrawlerKey, ref.State.String())
	e.Events.Emit(events.DocumentProcessed, ref, "", "")
	taskLog.WithFields(logrus.Fields{
		"state":    ref.State,
		"duration": time.Since(startTime).String(),
	}).Info("Reference processed")

	return pc.Err()
}

// execute runs the chain, turning a panic into a rejected-bad-status reference
func (e *Engine) execute(ctx context.Context, pc *Context) {
	defer func() {
		if r := recover(); r != nil {
			pc.Log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stage":       "PanicRecovery",
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing reference")
			pc.Reference.State = models.StateRejectedBadStatus
			e.Events.Emit(events.RejectedError, pc.Reference, "", fmt.Sprintf("panic: %v", r))
		}
	}()

	if e.pipeline.Execute(ctx, pc) && pc.Reference.State == models.StateUnset {
		pc.Reference.State = models.StateNew
	}
}

// reject sets the terminal state, emits the matching event and stops the chain
func (e *Engine) reject(pc *Context, state models.State, event, subject, message string) bool {
	pc.Reference.State = state
	e.Events.Emit(event, pc.Reference, subject, message)
	return false
}
