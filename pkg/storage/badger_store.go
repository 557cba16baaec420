package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/log"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

const (
	refKeyPrefix      = "ref:"         // Current session references
	prevKeyPrefix     = "prev:"        // Previous session references
	checksumKeyPrefix = "chk:"         // chk:<kind>:<checksum> -> owner URL
	referenceDBDir    = "reference_db" // Subdirectory suffix within stateDir for Badger DB files
)

// BadgerStore implements the Store interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached count of current-session references
}

// NewBadgerStore opens the reference database for a crawler under stateDir.
// reset wipes any existing state first. An empty stateDir opens an in-memory database.
func NewBadgerStore(ctx context.Context, stateDir, crawlerKey string, reset bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger,
		ctx: ctx,
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	var opts badger.Options

	if stateDir == "" {
		logger.Info("Initializing in-memory reference database")
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := DBPath(stateDir, crawlerKey)

		if reset {
			logger.Warnf("Reset requested. REMOVING existing state directory: %s", dbPath)
			if err := os.RemoveAll(dbPath); err != nil {
				// Badger may still recover or create new files
				logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
			}
		}

		logger.Infof("Initializing reference database at: %s (Reset: %v)", dbPath, reset)
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		opts = badger.DefaultOptions(dbPath)
	}

	opts = opts.
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}

	count, err := store.countPrefix(refKeyPrefix)
	if err != nil {
		logger.Warnf("Failed to count existing references: %v", err)
	} else {
		store.keyCount.Store(int64(count))
		if count > 0 {
			logger.Infof("Loaded existing reference count: %d", count)
		}
	}

	logger.Info("Reference database initialized successfully.")
	return store, nil
}

// DBPath returns the directory holding a crawler's reference database under stateDir
func DBPath(stateDir, crawlerKey string) string {
	return filepath.Join(stateDir, utils.PathSegment(crawlerKey)+"_"+referenceDBDir)
}

// countPrefix performs a full key scan of one prefix.
func (s *BadgerStore) countPrefix(prefix string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// getRef reads and decodes a reference. Returns nil, nil when the key is absent.
func getRef(txn *badger.Txn, key []byte) (*models.Reference, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	var ref models.Reference
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ref)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: JSON decode of key '%s': %w", utils.ErrParsing, string(key), err)
	}
	return &ref, nil
}

func setRef(txn *badger.Txn, key []byte, ref *models.Reference) error {
	val, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("%w: JSON encode of key '%s': %w", utils.ErrParsing, string(key), err)
	}
	return txn.SetEntry(badger.NewEntry(key, val))
}

func refKey(url string) []byte { return []byte(refKeyPrefix + url) }

func checksumKey(kind ChecksumKind, checksum string) []byte {
	return []byte(checksumKeyPrefix + string(kind) + ":" + checksum)
}

// Queue implements the ReferenceStore interface
func (s *BadgerStore) Queue(ref *models.Reference) (bool, error) {
	if ref == nil || ref.URL == "" {
		return false, fmt.Errorf("%w: queueing a reference without URL", utils.ErrInvariant)
	}
	rec := ref.Clone()
	rec.Stage = models.StageQueued
	rec.State = models.StateUnset

	added, err := s.insertIfAbsent(rec, "Queue")
	if added {
		ref.Stage = models.StageQueued
	}
	return added, err
}

// Reject implements the ReferenceStore interface
func (s *BadgerStore) Reject(ref *models.Reference) (bool, error) {
	if ref == nil || ref.URL == "" {
		return false, fmt.Errorf("%w: rejecting a reference without URL", utils.ErrInvariant)
	}
	if !ref.State.IsRejected() {
		return false, fmt.Errorf("%w: reference '%s' rejected with state %s", utils.ErrInvariant, ref.URL, ref.State)
	}
	rec := ref.Clone()
	rec.Stage = models.StageProcessed
	if rec.CrawlDate.IsZero() {
		rec.CrawlDate = time.Now().UTC()
	}

	added, err := s.insertIfAbsent(rec, "Reject")
	if added {
		ref.Stage = models.StageProcessed
		ref.CrawlDate = rec.CrawlDate
	}
	return added, err
}

// insertIfAbsent writes rec only when its URL is unknown in the current session
func (s *BadgerStore) insertIfAbsent(rec *models.Reference, op string) (bool, error) {
	key := refKey(rec.URL)
	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		stored, err := getRef(txn, key)
		if err != nil || stored != nil {
			return err
		}
		added = true
		return setRef(txn, key, rec)
	})
	if err != nil {
		s.log.WithField("url", rec.URL).Errorf("DB Update error in %s: %v", op, err)
		return false, fmt.Errorf("%w: %s '%s': %w", utils.ErrDatabase, op, rec.URL, err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// Activate implements the ReferenceStore interface
func (s *BadgerStore) Activate(url string) (*models.Reference, bool, error) {
	key := refKey(url)
	var activated *models.Reference

	err := s.dbUpdate(func(txn *badger.Txn) error {
		activated = nil
		stored, err := getRef(txn, key)
		if err != nil || stored == nil || stored.Stage != models.StageQueued {
			return err
		}
		stored.Stage = models.StageActive
		if err := setRef(txn, key, stored); err != nil {
			return err
		}
		activated = stored
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: activating '%s': %w", utils.ErrDatabase, url, err)
	}
	return activated, activated != nil, nil
}

// Process implements the ReferenceStore interface
func (s *BadgerStore) Process(ref *models.Reference) error {
	if ref == nil || ref.URL == "" {
		return fmt.Errorf("%w: processing a reference without URL", utils.ErrInvariant)
	}
	if !ref.State.IsValid() {
		return fmt.Errorf("%w: reference '%s' processed without a terminal state", utils.ErrInvariant, ref.URL)
	}
	key := refKey(ref.URL)
	rec := ref.Clone()
	rec.Stage = models.StageProcessed
	if rec.CrawlDate.IsZero() {
		rec.CrawlDate = time.Now().UTC()
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		stored, err := getRef(txn, key)
		if err != nil {
			return err
		}
		isNew = stored == nil
		from := models.StageUnset
		if stored != nil {
			from = stored.Stage
			if stored.RequeueCount > rec.RequeueCount {
				rec.RequeueCount = stored.RequeueCount
			}
		}
		if !from.CanTransitionTo(models.StageProcessed) {
			return fmt.Errorf("%w: '%s' %s -> %s", utils.ErrIllegalTransition, ref.URL, from, models.StageProcessed)
		}
		return setRef(txn, key, rec)
	})
	if err != nil {
		if errors.Is(err, utils.ErrIllegalTransition) {
			return err
		}
		s.log.WithField("url", ref.URL).Errorf("DB Update error in Process: %v", err)
		return fmt.Errorf("%w: processing '%s': %w", utils.ErrDatabase, ref.URL, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	ref.Stage = models.StageProcessed
	ref.CrawlDate = rec.CrawlDate
	return nil
}

// Requeue implements the ReferenceStore interface
func (s *BadgerStore) Requeue(ref *models.Reference) (bool, error) {
	key := refKey(ref.URL)
	rec := ref.Clone()
	rec.Stage = models.StageQueued
	rec.State = models.StateUnset

	requeued := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		requeued = false
		stored, err := getRef(txn, key)
		if err != nil || stored == nil {
			return err
		}
		if stored.Stage != models.StageProcessed || stored.RequeueCount >= 1 {
			return nil
		}
		rec.RequeueCount = stored.RequeueCount + 1
		requeued = true
		return setRef(txn, key, rec)
	})
	if err != nil {
		return false, fmt.Errorf("%w: requeueing '%s': %w", utils.ErrDatabase, ref.URL, err)
	}
	if requeued {
		ref.Stage = models.StageQueued
		ref.State = models.StateUnset
		ref.RequeueCount = rec.RequeueCount
	}
	return requeued, nil
}

// Get implements the ReferenceStore interface
func (s *BadgerStore) Get(url string) (*models.Reference, error) {
	return s.view(refKey(url))
}

// GetPrevious implements the ReferenceStore interface
func (s *BadgerStore) GetPrevious(url string) (*models.Reference, error) {
	return s.view([]byte(prevKeyPrefix + url))
}

func (s *BadgerStore) view(key []byte) (*models.Reference, error) {
	var ref *models.Reference
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ref, err = getRef(txn, key)
		return err
	})
	if err != nil {
		s.log.Errorf("DB View error for key '%s': %v", string(key), err)
		return nil, err
	}
	return ref, nil
}

// Stage implements the ReferenceStore interface
func (s *BadgerStore) Stage(url string) (models.Stage, error) {
	ref, err := s.Get(url)
	if err != nil || ref == nil {
		return models.StageUnset, err
	}
	return ref.Stage, nil
}

// FindChecksum implements the ChecksumStore interface
func (s *BadgerStore) FindChecksum(kind ChecksumKind, checksum string) (string, bool, error) {
	var owner string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checksumKey(kind, checksum))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		owner, found = string(val), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: finding %s checksum: %w", utils.ErrDatabase, kind, err)
	}
	return owner, found, nil
}

// SaveChecksum implements the ChecksumStore interface
func (s *BadgerStore) SaveChecksum(kind ChecksumKind, checksum, url string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(checksumKey(kind, checksum), []byte(url)))
	})
	if err != nil {
		return fmt.Errorf("%w: saving %s checksum for '%s': %w", utils.ErrDatabase, kind, url, err)
	}
	return nil
}

// Count implements the StoreAdmin interface.
// Returns the cached key count (O(1)) maintained by atomic increments on writes.
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// CountStates implements the StoreAdmin interface
func (s *BadgerStore) CountStates() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.iterateRefs(s.ctx, func(ref *models.Reference) error {
		if ref.Stage == models.StageProcessed {
			counts[ref.State.String()]++
		} else {
			counts[ref.Stage.String()]++
		}
		return nil
	}, nil)
	return counts, err
}

// iterateRefs decodes every current-session reference. Undecodable values are
// reported to onBadValue (if set) and skipped.
func (s *BadgerStore) iterateRefs(ctx context.Context, fn func(*models.Reference) error, onBadValue func(key string, err error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var ref models.Reference
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			})
			if errValue != nil {
				if onBadValue != nil {
					onBadValue(string(item.KeyCopy(nil)), errValue)
				}
				continue
			}
			if err := fn(&ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// StartSession implements the StoreAdmin interface
func (s *BadgerStore) StartSession(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Only the last session is kept as previous-session data
	if err := s.db.DropPrefix([]byte(prevKeyPrefix)); err != nil {
		return 0, fmt.Errorf("%w: clearing previous session: %w", utils.ErrDatabase, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	rotated := 0
	err := s.iterateRefs(ctx, func(ref *models.Reference) error {
		if ref.Stage != models.StageProcessed {
			return nil // Interrupted work from an abandoned run is simply dropped
		}
		val, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(prevKeyPrefix+ref.URL), val); err != nil {
			return err
		}
		rotated++
		return nil
	}, func(key string, err error) {
		s.log.Warnf("Session rotation: skipping undecodable record '%s': %v", key, err)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: rotating previous session: %w", utils.ErrDatabase, err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("%w: writing previous session: %w", utils.ErrDatabase, err)
	}
	if err := s.db.DropPrefix([]byte(refKeyPrefix), []byte(checksumKeyPrefix)); err != nil {
		return rotated, fmt.Errorf("%w: clearing current session: %w", utils.ErrDatabase, err)
	}
	s.keyCount.Store(0)
	s.log.Infof("Started new crawl session, %d references kept as previous-session data", rotated)
	return rotated, nil
}

// RequeueIncomplete implements the StoreAdmin interface
func (s *BadgerStore) RequeueIncomplete(ctx context.Context, requeue func(*models.Reference)) (int, int, error) {
	s.log.Info("Resume Mode: Scanning database for incomplete references to requeue...")
	scanErrors := 0
	scanStartTime := time.Now()

	var incomplete []*models.Reference
	scanErr := s.iterateRefs(ctx, func(ref *models.Reference) error {
		if ref.Stage == models.StageQueued || ref.Stage == models.StageActive {
			incomplete = append(incomplete, ref)
		}
		return nil
	}, func(key string, err error) {
		s.log.Errorf("Resume Scan: Failed to decode '%s': %v. Skipping.", key, err)
		scanErrors++
	})
	if scanErr != nil {
		if !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
			s.log.Errorf("Error during DB scan for resume: %v.", scanErr)
		}
		return 0, scanErrors, scanErr
	}

	// Active records belong to workers of the interrupted run; return them to the queue
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ref := range incomplete {
		if ref.Stage != models.StageActive {
			continue
		}
		ref.Stage = models.StageQueued
		val, err := json.Marshal(ref)
		if err != nil {
			scanErrors++
			continue
		}
		if err := wb.Set(refKey(ref.URL), val); err != nil {
			return 0, scanErrors, fmt.Errorf("%w: requeueing '%s': %w", utils.ErrDatabase, ref.URL, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, scanErrors, fmt.Errorf("%w: requeueing incomplete references: %w", utils.ErrDatabase, err)
	}

	for _, ref := range incomplete {
		ref.Stage = models.StageQueued
		requeue(ref)
	}

	s.log.Infof("Resume Scan Complete: Requeued %d references in %v. Errors: %d.", len(incomplete), time.Since(scanStartTime), scanErrors)
	return len(incomplete), scanErrors, nil
}

// ForEachOrphan implements the StoreAdmin interface
func (s *BadgerStore) ForEachOrphan(ctx context.Context, fn func(*models.Reference)) (int, error) {
	var orphans []*models.Reference
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prevKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var prev models.Reference
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
				s.log.Warnf("Orphan scan: skipping undecodable record '%s': %v", item.Key(), err)
				continue
			}
			current, err := getRef(txn, refKey(prev.URL))
			if err != nil {
				return err
			}
			if current != nil {
				continue
			}
			orphan := models.NewReference(prev.URL, prev.Depth)
			orphan.ReferrerReference = prev.ReferrerReference
			orphan.ReferrerLinkMetadata = prev.ReferrerLinkMetadata
			orphan.SitemapLastMod = prev.SitemapLastMod
			orphan.SitemapChangeFreq = prev.SitemapChangeFreq
			orphan.SitemapPriority = prev.SitemapPriority
			orphans = append(orphans, orphan)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scanning orphans: %w", utils.ErrDatabase, err)
	}
	for _, orphan := range orphans {
		fn(orphan)
	}
	return len(orphans), nil
}

// WriteReferenceLog implements the StoreAdmin interface.
func (s *BadgerStore) WriteReferenceLog(filePath string) error {
	s.log.Info("Writing reference log (from DB)...")
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create reference log '%s': %v", filePath, err)
		return fmt.Errorf("%w: create reference log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	writtenCount := 0

	iterErr := s.iterateRefs(s.ctx, func(ref *models.Reference) error {
		if _, err := fmt.Fprintf(writer, "%s\t%s\t%s\t%d\n", ref.URL, ref.Stage, ref.State, ref.Depth); err != nil && writeErr == nil {
			writeErr = err
		}
		writtenCount++
		if writtenCount%5000 == 0 {
			if err := writer.Flush(); err != nil && writeErr == nil {
				writeErr = err
			}
		}
		return nil
	}, func(key string, err error) {
		s.log.Warnf("Skipping undecodable record '%s' in reference log: %v", key, err)
	})

	if flushErr := writer.Flush(); flushErr != nil && writeErr == nil {
		writeErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && writeErr == nil {
		writeErr = syncErr
	}

	if iterErr != nil {
		s.log.Warnf("Reference log incomplete, wrote ~%d references to %s: %v", writtenCount, filePath, iterErr)
		return iterErr
	}
	if writeErr != nil {
		return fmt.Errorf("%w: writing reference log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Finished writing %d references to reference log: %s", writtenCount, filePath)
	return nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
				s.log.Debug("BadgerDB GC cycle completed.")
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warnf("BadgerDB GC: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing reference DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing reference DB: %v", err)
			return err
		}
		s.log.Info("Reference DB closed.")
		return nil
	}
	s.log.Info("Reference DB already closed or was not initialized.")
	return nil
}
