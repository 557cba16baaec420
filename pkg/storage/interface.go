package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// ChecksumKind separates the metadata and content fingerprint indexes.
type ChecksumKind string

const (
	ChecksumMeta    ChecksumKind = "meta"
	ChecksumContent ChecksumKind = "doc"
)

// ReferenceStore tracks the lifecycle of every known reference, keyed by normalized URL.
// Transitions are atomic per reference.
type ReferenceStore interface {
	// Queue records ref as queued if its URL is unknown.
	// Returns false if the URL is already known in any stage.
	Queue(ref *models.Reference) (bool, error)

	// Reject records a reference rejected before it was ever queued (filtered, out of scope)
	// as processed. Returns false if the URL is already known in any stage.
	Reject(ref *models.Reference) (bool, error)

	// Activate moves a queued reference to active and returns the stored record.
	// Returns ok=false if the reference is not currently queued (another worker won).
	Activate(url string) (ref *models.Reference, ok bool, err error)

	// Process stores ref as processed with its terminal state.
	// Returns ErrIllegalTransition if the reference was already processed.
	Process(ref *models.Reference) error

	// Requeue moves a processed reference back to queued, at most once per session.
	// Returns false when the reference is not processed or was already requeued.
	Requeue(ref *models.Reference) (bool, error)

	// Get returns the stored record, or nil if the URL is unknown.
	Get(url string) (*models.Reference, error)

	// Stage returns the current stage, StageUnset if the URL is unknown.
	Stage(url string) (models.Stage, error)

	// GetPrevious returns the record from the previous crawl session, or nil.
	GetPrevious(url string) (*models.Reference, error)
}

// ChecksumStore maps fingerprints to the reference that first claimed them.
// Lookups and claims are separate calls, so concurrent duplicates may both pass.
type ChecksumStore interface {
	// FindChecksum returns the URL owning the fingerprint, if any
	FindChecksum(kind ChecksumKind, checksum string) (ownerURL string, found bool, err error)

	// SaveChecksum claims the fingerprint for url
	SaveChecksum(kind ChecksumKind, checksum, url string) error
}

// StoreAdmin handles session lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of references known in the current session
	Count() (int, error)

	// CountStates returns reference counts keyed by terminal state, or stage for unprocessed ones
	CountStates() (map[string]int, error)

	// StartSession moves processed references into the previous-session cache and clears
	// the current session's references and fingerprints. Used for fresh (non-resumed) runs.
	StartSession(ctx context.Context) (rotated int, err error)

	// RequeueIncomplete returns queued and active references left by an interrupted run to
	// the queued stage and hands each to requeue. Should be called only during resume.
	RequeueIncomplete(ctx context.Context, requeue func(*models.Reference)) (requeuedCount int, scanErrors int, err error)

	// ForEachOrphan hands every previous-session reference not yet known in the current
	// session to fn, as a fresh copy ready to be queued again.
	ForEachOrphan(ctx context.Context, fn func(*models.Reference)) (int, error)

	// WriteReferenceLog writes every reference with its stage and state to filePath
	WriteReferenceLog(filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	ReferenceStore
	ChecksumStore
	StoreAdmin
}
