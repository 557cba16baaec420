package pipeline

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/events"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
)

// CanonicalResolver decides whether a document is processed under its own URL
// or deferred to the canonical URL it declares.
type CanonicalResolver struct {
	store      storage.ReferenceStore
	normalizer URLNormalizer
	scope      ScopeStrategy
	enqueue    func(ctx context.Context, ref *models.Reference) bool
	events     *events.Emitter
	log        *logrus.Entry
}

// NewCanonicalResolver creates a CanonicalResolver
func NewCanonicalResolver(
	store storage.ReferenceStore,
	normalizer URLNormalizer,
	scope ScopeStrategy,
	enqueue func(ctx context.Context, ref *models.Reference) bool,
	emitter *events.Emitter,
	log *logrus.Entry,
) *CanonicalResolver {
	return &CanonicalResolver{
		store:      store,
		normalizer: normalizer,
		scope:      scope,
		enqueue:    enqueue,
		events:     emitter,
		log:        log.WithField("component", "canonical_resolver"),
	}
}

// Resolve returns true when ref should keep being processed.
// Otherwise ref is marked rejected-noncanonical and the canonical URL is queued
// (or recorded as filtered when out of scope).
func (r *CanonicalResolver) Resolve(ctx context.Context, ref *models.Reference, canonical string) bool {
	if canonical == "" {
		return true
	}
	canLog := r.log.WithFields(logrus.Fields{"url": ref.URL, "canonical": canonical})

	// Normalized only for comparison; the queue pipeline normalizes what gets queued
	normalized := r.normalizer.Normalize(canonical)
	if normalized == "" {
		canLog.Info("Canonical URL is empty after normalization, ignoring it")
		return true
	}
	if normalized == ref.URL {
		canLog.Trace("Canonical URL is the document URL")
		return true
	}
	if ref.InRedirectTrail(canonical) || ref.InRedirectTrail(normalized) {
		canLog.WithField("redirect_trail", ref.RedirectTrail).
			Warn("Circular reference between redirect and canonical URL, ignoring canonical")
		return true
	}

	next := models.NewReference(canonical, ref.Depth)
	next.ReferrerReference = ref.URL
	next.RedirectTrail = slices.Clone(ref.RedirectTrail)
	next.OriginalReference = ref.OriginalReference

	if r.scope.IsInScope(ref.URL, normalized) {
		canLog.Debug("Document defers to its canonical URL, queueing canonical")
		r.enqueue(ctx, next)
	} else {
		next.URL = normalized
		next.State = models.StateRejectedFilter
		if _, err := r.store.Reject(next); err != nil {
			canLog.Errorf("Failed to record out-of-scope canonical URL: %v", err)
		}
		r.events.Emit(events.RejectedOutOfScope, next, ref.URL, "canonical URL out of scope")
		canLog.Debug("Canonical URL out of scope")
	}

	ref.State = models.StateRejectedNonCanonical
	r.events.Emit(events.RejectedNonCanonical, ref, canonical, "canonical="+canonical)
	return false
}
