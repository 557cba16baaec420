package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/delay"
	"github.com/Sriram-PR/politecrawler/pkg/events"
	"github.com/Sriram-PR/politecrawler/pkg/extract"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// DefaultStages returns the processing chain in its fixed order
func (e *Engine) DefaultStages() []Stage {
	return []Stage{
		{StageRecrawl, e.recrawlStage},
		{StageDelay, e.delayStage},
		{StageFetchMetadata, e.fetchMetadataStage},
		{StageCanonicalMetadata, e.canonicalMetadataStage},
		{StageChecksumMetadata, e.checksumMetadataStage},
		{StageDedupMetadata, e.dedupMetadataStage},
		{StageFetchDocument, e.fetchDocumentStage},
		{StageCanonicalDocument, e.canonicalDocumentStage},
		{StageRobotsMeta, e.robotsMetaStage},
		{StageExtractLinks, e.extractLinksStage},
		{StageRobotsNoIndex, e.robotsNoIndexStage},
		{StageFilterContent, e.filterContentStage},
		{StageChecksumDocument, e.checksumDocumentStage},
		{StageDedupDocument, e.dedupDocumentStage},
		{StagePreImport, e.preImportStage},
		{StageImport, e.importStage},
	}
}

// previouslyAccepted reports whether a previous-session state means the document was kept
func previouslyAccepted(s models.State) bool {
	return s == models.StateNew || s == models.StateUnmodified || s == models.StatePremature
}

func (e *Engine) recrawlStage(_ context.Context, pc *Context) bool {
	prev := pc.Previous
	if prev == nil || e.Recrawl == nil {
		return true
	}
	ref := pc.Reference

	// Sitemap hints from this session take precedence over stale ones
	hinted := prev.Clone()
	if !ref.SitemapLastMod.IsZero() {
		hinted.SitemapLastMod = ref.SitemapLastMod
	}
	if ref.SitemapChangeFreq != "" {
		hinted.SitemapChangeFreq = ref.SitemapChangeFreq
	}
	if e.Recrawl.IsRecrawlable(hinted) {
		return true
	}

	ref.MetaChecksum = prev.MetaChecksum
	ref.ContentChecksum = prev.ContentChecksum
	ref.ContentType = prev.ContentType
	ref.CrawlDate = prev.CrawlDate

	state := models.StateRejectedPremature
	if previouslyAccepted(prev.State) {
		state = models.StatePremature
	}
	pc.Log.WithField("last_crawl", prev.CrawlDate).Debug("Reference not due for recrawl")
	return e.reject(pc, state, events.RejectedPremature, "", "last crawled "+prev.CrawlDate.Format(time.RFC3339))
}

func (e *Engine) delayStage(ctx context.Context, pc *Context) bool {
	robotsDelay := delay.NoRobotsDelay
	if e.Robots != nil {
		pc.RobotsTxt = e.Robots.GetRobotsTxt(ctx, pc.Reference.URL)
		if d, ok := pc.RobotsTxt.CrawlDelay(); ok {
			robotsDelay = d
		}
	}
	if e.Delay == nil {
		return true
	}
	waited, err := e.Delay.Delay(ctx, robotsDelay, pc.Reference.URL)
	if err != nil {
		pc.Log.Warnf("Politeness delay interrupted: %v", err)
		return e.reject(pc, models.StateRejectedBadStatus, events.RejectedError, "", err.Error())
	}
	e.Metrics.ObserveDelay(e.opts.CrawlerKey, waited)
	return true
}

func (e *Engine) fetchMetadataStage(ctx context.Context, pc *Context) bool {
	if !e.opts.FetchMetadataFirst {
		return true
	}
	pc.metadataFetched = true
	resp, err := e.Fetcher.Fetch(ctx, pc.Reference.URL, fetch.MethodHead, time.Time{})
	if !e.applyResponse(ctx, pc, resp, err, events.DocumentMetaFetched) {
		return false
	}
	// Reject unwanted types before downloading the body
	return e.filterContentType(pc)
}

func (e *Engine) fetchDocumentStage(ctx context.Context, pc *Context) bool {
	var since time.Time
	if prev := pc.Previous; prev != nil && previouslyAccepted(prev.State) {
		since = prev.CrawlDate
	}
	pc.documentFetched = true
	resp, err := e.Fetcher.Fetch(ctx, pc.Reference.URL, fetch.MethodGet, since)
	if !e.applyResponse(ctx, pc, resp, err, events.DocumentFetched) {
		return false
	}
	content, err := extract.NewContent(pc.Reference.URL, resp.ContentType, resp.Headers, resp.Body)
	if err != nil {
		pc.Log.Warnf("Cannot read fetched document: %v", err)
		return e.reject(pc, models.StateRejectedBadStatus, events.RejectedBadStatus, utils.CategorizeError(err), err.Error())
	}
	pc.Content = content
	pc.Reference.ContentType = content.ContentType
	return true
}

// applyResponse turns a fetch outcome into a terminal state or lets the chain continue
func (e *Engine) applyResponse(ctx context.Context, pc *Context, resp *fetch.Response, err error, fetchedEvent string) bool {
	ref := pc.Reference
	if err != nil {
		category := utils.CategorizeError(err)
		pc.Log.WithField("category", category).Warnf("Fetch failed: %v", err)
		return e.reject(pc, models.StateRejectedBadStatus, events.RejectedBadStatus, category, err.Error())
	}
	if resp == nil {
		return pc.Fail(fmt.Errorf("fetcher returned neither response nor error for '%s'", ref.URL))
	}

	pc.Response = resp
	if resp.ContentType != "" {
		ref.ContentType = resp.ContentType
	}
	e.Events.Emit(fetchedEvent, ref, "", fmt.Sprintf("%d %s", resp.StatusCode, resp.Reason))

	if resp.IsRedirect() {
		d := e.redirects.Track(ctx, ref, resp.RedirectTarget, resp.StatusCode, resp.Reason)
		pc.Log.WithFields(logrus.Fields{"target": resp.RedirectTarget, "decision": d}).Debug("Redirect tracked")
		return false
	}

	status := fmt.Sprintf("%d %s", resp.StatusCode, resp.Reason)
	switch resp.State {
	case models.StateNew:
		return true
	case models.StateUnmodified:
		e.carryForwardChecksums(pc)
		return e.reject(pc, models.StateUnmodified, events.RejectedUnmodified, "", status)
	case models.StateRejectedNotFound:
		return e.reject(pc, models.StateRejectedNotFound, events.RejectedNotFound, "", status)
	}
	return e.reject(pc, models.StateRejectedBadStatus, events.RejectedBadStatus, "", status)
}

// carryForwardChecksums keeps the previous fingerprints for references found unmodified
func (e *Engine) carryForwardChecksums(pc *Context) {
	if prev := pc.Previous; prev != nil {
		if pc.Reference.MetaChecksum == "" {
			pc.Reference.MetaChecksum = prev.MetaChecksum
		}
		if pc.Reference.ContentChecksum == "" {
			pc.Reference.ContentChecksum = prev.ContentChecksum
		}
	}
}

func (e *Engine) canonicalMetadataStage(ctx context.Context, pc *Context) bool {
	if e.Canonical == nil || !pc.metadataFetched {
		return true
	}
	return e.canonicalFromHeaders(ctx, pc)
}

func (e *Engine) canonicalDocumentStage(ctx context.Context, pc *Context) bool {
	if e.Canonical == nil {
		return true
	}
	if !pc.metadataFetched && !e.canonicalFromHeaders(ctx, pc) {
		return false
	}
	if pc.Content == nil {
		return true
	}
	return e.canonical.Resolve(ctx, pc.Reference, e.Canonical.FromContent(pc.Content))
}

func (e *Engine) canonicalFromHeaders(ctx context.Context, pc *Context) bool {
	if pc.Response == nil {
		return true
	}
	base, err := url.Parse(pc.Reference.URL)
	if err != nil {
		return true
	}
	return e.canonical.Resolve(ctx, pc.Reference, e.Canonical.FromHeaders(base, pc.Response.Headers))
}

func (e *Engine) checksumMetadataStage(_ context.Context, pc *Context) bool {
	if e.MetaChecksummer == nil || !pc.metadataFetched || pc.Response == nil {
		return true
	}
	sum := e.MetaChecksummer.MetadataChecksum(pc.Response.Headers)
	pc.Reference.MetaChecksum = sum
	return e.compareChecksum(pc, sum, pc.previousMetaChecksum(), "metadata")
}

func (e *Engine) checksumDocumentStage(_ context.Context, pc *Context) bool {
	if e.DocChecksummer == nil || pc.Content == nil {
		return true
	}
	sum := e.DocChecksummer.DocumentChecksum(pc.Content.Body)
	pc.Reference.ContentChecksum = sum
	return e.compareChecksum(pc, sum, pc.previousContentChecksum(), "content")
}

// compareChecksum marks the reference unmodified when its fingerprint matches the previous session
func (e *Engine) compareChecksum(pc *Context, sum, previous, kind string) bool {
	if sum == "" || sum != previous {
		return true
	}
	pc.Log.WithField("checksum", sum).Debugf("Unchanged %s checksum", kind)
	return e.reject(pc, models.StateUnmodified, events.RejectedUnmodified, sum, kind+" checksum unchanged")
}

func (pc *Context) previousMetaChecksum() string {
	if pc.Previous == nil {
		return ""
	}
	return pc.Previous.MetaChecksum
}

func (pc *Context) previousContentChecksum() string {
	if pc.Previous == nil {
		return ""
	}
	return pc.Previous.ContentChecksum
}

func (e *Engine) dedupMetadataStage(_ context.Context, pc *Context) bool {
	if !e.opts.MetadataDedup || e.MetaChecksummer == nil || !pc.metadataFetched {
		return true
	}
	return e.dedup(pc, storage.ChecksumMeta, pc.Reference.MetaChecksum)
}

func (e *Engine) dedupDocumentStage(_ context.Context, pc *Context) bool {
	if !e.opts.ContentDedup || e.DocChecksummer == nil {
		return true
	}
	return e.dedup(pc, storage.ChecksumContent, pc.Reference.ContentChecksum)
}

// dedup rejects the reference when another one already owns the fingerprint, otherwise
// claims it. Lookup and claim are not atomic, so concurrent duplicates may both pass.
func (e *Engine) dedup(pc *Context, kind storage.ChecksumKind, sum string) bool {
	if sum == "" {
		return true
	}
	owner, found, err := e.Store.FindChecksum(kind, sum)
	if err != nil {
		pc.Log.Warnf("Checksum lookup failed, skipping duplicate check: %v", err)
		return true
	}
	if found && owner != pc.Reference.URL {
		pc.Log.WithFields(logrus.Fields{"kind": kind, "owner": owner}).Debug("Duplicate document")
		return e.reject(pc, models.StateRejectedDuplicate, events.RejectedDuplicate, owner, "duplicate of "+owner)
	}
	if !found {
		if err := e.Store.SaveChecksum(kind, sum, pc.Reference.URL); err != nil {
			pc.Log.Warnf("Failed to save %s checksum: %v", kind, err)
		}
	}
	return true
}

func (e *Engine) robotsMetaStage(_ context.Context, pc *Context) bool {
	if e.RobotsMeta == nil || pc.Content == nil {
		return true
	}
	pc.RobotsMeta = e.RobotsMeta.Get(pc.Content)
	if pc.RobotsMeta.NoIndex || pc.RobotsMeta.NoFollow {
		pc.Log.WithFields(logrus.Fields{"noindex": pc.RobotsMeta.NoIndex, "nofollow": pc.RobotsMeta.NoFollow}).
			Debug("Robots directives found")
	}
	return true
}

func (e *Engine) extractLinksStage(ctx context.Context, pc *Context) bool {
	if pc.Content == nil || len(e.LinkExtractors) == 0 {
		return true
	}
	if pc.RobotsMeta.NoFollow {
		pc.Log.Debug("Robots nofollow, not extracting links")
		return true
	}

	ref := pc.Reference
	seen := make(map[string]bool)
	found, queued := 0, 0
	for _, extractor := range e.LinkExtractors {
		links, err := extractor.ExtractLinks(pc.Content)
		if err != nil {
			pc.Log.Warnf("Link extraction failed: %v", err)
			continue
		}
		for _, link := range links {
			if seen[link.URL] {
				continue
			}
			seen[link.URL] = true
			found++

			if !e.Scope.IsInScope(ref.URL, link.URL) {
				e.Events.Emit(events.RejectedOutOfScope, models.NewReference(link.URL, ref.Depth+1), ref.URL, "")
				continue
			}
			child := models.NewReference(link.URL, ref.Depth+1)
			child.ReferrerReference = ref.URL
			child.ReferrerLinkMetadata = link.MetadataText
			if e.Enqueue(ctx, child) {
				queued++
			}
		}
	}
	pc.Log.WithFields(logrus.Fields{"found": found, "queued": queued}).Debug("Links extracted")
	e.Events.Emit(events.URLsExtracted, ref, "", fmt.Sprintf("%d found, %d queued", found, queued))
	return true
}

func (e *Engine) robotsNoIndexStage(_ context.Context, pc *Context) bool {
	if !pc.RobotsMeta.NoIndex {
		return true
	}
	return e.reject(pc, models.StateRejectedFilter, events.RejectedNoIndex, "", "robots noindex")
}

func (e *Engine) filterContentStage(_ context.Context, pc *Context) bool {
	return e.filterContentType(pc)
}

// filterContentType applies the content type includes and excludes once per content type
func (e *Engine) filterContentType(pc *Context) bool {
	contentType := pc.Reference.ContentType
	if contentType == "" || contentType == pc.contentTypePassed {
		return true
	}
	if len(e.opts.ContentTypeIncludes) > 0 && utils.FirstMatch(e.opts.ContentTypeIncludes, contentType) == nil {
		return e.reject(pc, models.StateRejectedFilter, events.RejectedFilter, contentType, "content type not included")
	}
	if utils.FirstMatch(e.opts.ContentTypeExcludes, contentType) != nil {
		return e.reject(pc, models.StateRejectedFilter, events.RejectedFilter, contentType, "content type excluded")
	}
	pc.contentTypePassed = contentType
	return true
}

func (e *Engine) preImportStage(ctx context.Context, pc *Context) bool {
	if len(e.Consumers) == 0 {
		return true
	}
	doc := pc.Document()
	for _, consumer := range e.Consumers {
		if err := consumer.Process(ctx, doc); err != nil {
			pc.Log.WithField("consumer", consumer.Name()).Warnf("Pre-import consumer failed: %v", err)
		}
	}
	e.Events.Emit(events.DocumentPreImported, pc.Reference, "", "")
	return true
}

func (e *Engine) importStage(ctx context.Context, pc *Context) bool {
	pc.Reference.State = models.StateNew
	if e.Importer == nil {
		return true
	}
	if err := e.Importer.Import(ctx, pc.Reference, pc.Document()); err != nil {
		pc.Log.Errorf("Import failed: %v", err)
		return e.reject(pc, models.StateRejectedBadStatus, events.RejectedError, utils.CategorizeError(err), err.Error())
	}
	e.Events.Emit(events.DocumentImported, pc.Reference, "", "")
	return true
}
