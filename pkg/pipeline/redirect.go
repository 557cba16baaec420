package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/events"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Decision is the disposition of a redirect or canonical target. Never persisted.
type Decision string

const (
	DecisionQueueNew           Decision = "queue-new"
	DecisionRequeue            Decision = "requeue"
	DecisionRejectActiveDup    Decision = "reject-active-dup"
	DecisionRejectQueuedDup    Decision = "reject-queued-dup"
	DecisionRejectProcessedDup Decision = "reject-processed-dup"
	DecisionRejectLoop         Decision = "reject-loop"
	DecisionRejectOutOfScope   Decision = "reject-out-of-scope"
	DecisionRejectFiltered     Decision = "reject-filtered" // Dropped by the queue pipeline
)

// RedirectTracker decides what happens to the target of a redirect response.
// Decisions about the same target are serialized.
type RedirectTracker struct {
	store      storage.ReferenceStore
	normalizer URLNormalizer
	scope      ScopeStrategy
	enqueue    func(ctx context.Context, ref *models.Reference) bool
	push       func(ref *models.Reference)
	events     *events.Emitter
	locks      *utils.KeyedMutex
	log        *logrus.Entry
}

// NewRedirectTracker creates a RedirectTracker. enqueue runs the queue pipeline for fresh
// targets; push hands a requeued target straight to the workers.
func NewRedirectTracker(
	store storage.ReferenceStore,
	normalizer URLNormalizer,
	scope ScopeStrategy,
	enqueue func(ctx context.Context, ref *models.Reference) bool,
	push func(ref *models.Reference),
	emitter *events.Emitter,
	log *logrus.Entry,
) *RedirectTracker {
	return &RedirectTracker{
		store:      store,
		normalizer: normalizer,
		scope:      scope,
		enqueue:    enqueue,
		push:       push,
		events:     emitter,
		locks:      utils.NewKeyedMutex(),
		log:        log.WithField("component", "redirect_tracker"),
	}
}

// Track marks source as redirected to target and queues, requeues or rejects the target.
func (t *RedirectTracker) Track(ctx context.Context, source *models.Reference, target string, statusCode int, reason string) Decision {
	source.State = models.StateRedirect
	t.events.Emit(events.RejectedRedirected, source, target,
		fmt.Sprintf("%d %s (target: %s)", statusCode, reason, target))

	trackLog := t.log.WithFields(logrus.Fields{"source": source.URL, "target": target})

	key := t.normalizer.Normalize(target)
	if key == "" {
		trackLog.Info("Redirect target cannot be normalized, ignoring it")
		return DecisionRejectOutOfScope
	}

	unlock := t.locks.Lock(key)
	defer unlock()

	stored, err := t.store.Get(key)
	if err != nil {
		trackLog.Errorf("Failed to look up redirect target, treating it as new: %v", err)
		stored = nil
	}

	if stored != nil {
		switch stored.Stage {
		case models.StageActive:
			return t.rejectDuplicate(stored, source, DecisionRejectActiveDup, "being processed", trackLog)
		case models.StageQueued:
			return t.rejectDuplicate(stored, source, DecisionRejectQueuedDup, "already queued", trackLog)
		case models.StageProcessed:
			if source.InRedirectTrail(key) {
				return t.rejectDuplicate(stored, source, DecisionRejectLoop, "redirect loop", trackLog)
			}
			if stored.State.IsGood() {
				return t.rejectDuplicate(stored, source, DecisionRejectProcessedDup, "already processed", trackLog)
			}
			return t.requeue(stored, source, trackLog)
		}
	}

	next := follow(source, target)
	if !t.scope.IsInScope(source.URL, key) {
		next.URL = key
		next.State = models.StateRejectedFilter
		if _, err := t.store.Reject(next); err != nil {
			trackLog.Errorf("Failed to record out-of-scope redirect target: %v", err)
		}
		t.events.Emit(events.RejectedOutOfScope, next, source.URL, "redirect target out of scope")
		trackLog.Debug("Redirect target out of scope")
		return DecisionRejectOutOfScope
	}

	if !t.enqueue(ctx, next) {
		trackLog.Debug("Redirect target not queued by the queue pipeline")
		return DecisionRejectFiltered
	}
	trackLog.Debug("Redirect target queued")
	return DecisionQueueNew
}

// requeue gives a processed, not-good target one more chance within the session
func (t *RedirectTracker) requeue(stored, source *models.Reference, trackLog *logrus.Entry) Decision {
	next := follow(source, stored.URL)
	ok, err := t.store.Requeue(next)
	if err != nil {
		trackLog.Errorf("Failed to requeue redirect target: %v", err)
		return DecisionRejectLoop
	}
	if !ok {
		return t.rejectDuplicate(stored, source, DecisionRejectLoop, "already requeued once", trackLog)
	}
	t.push(next.Clone())
	t.events.Emit(events.DocumentQueued, next, source.URL, "requeued redirect target")
	trackLog.WithField("previous_state", stored.State).Info("Redirect target requeued")
	return DecisionRequeue
}

func (t *RedirectTracker) rejectDuplicate(target, source *models.Reference, d Decision, why string, trackLog *logrus.Entry) Decision {
	trackLog.WithFields(logrus.Fields{"decision": d, "target_stage": target.Stage}).Debugf("Redirect target rejected: %s", why)
	t.events.Emit(events.RejectedDuplicate, target, source.URL, "redirect target "+why)
	return d
}

// follow builds the reference a redirect from source leads to.
// Redirects keep the depth of their source and extend its trail.
func follow(source *models.Reference, target string) *models.Reference {
	next := models.NewReference(target, source.Depth)
	next.ReferrerReference = source.ReferrerReference
	next.ReferrerLinkMetadata = source.ReferrerLinkMetadata
	next.RedirectTrail = append(slices.Clone(source.RedirectTrail), source.URL)
	next.OriginalReference = next.RedirectTrail[0]
	return next
}
