// Package events carries crawl observability events from pipeline stages to sinks.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// Event names emitted by the crawl pipeline
const (
	DocumentQueued       = "document-queued"
	DocumentFetched      = "document-fetched"
	DocumentMetaFetched  = "document-metadata-fetched"
	DocumentImported     = "document-imported"
	DocumentPreImported  = "document-pre-imported"
	DocumentProcessed    = "document-processed"
	URLsExtracted        = "urls-extracted"
	RejectedFilter       = "rejected-filter"
	RejectedTooDeep      = "rejected-too-deep"
	RejectedRobotsTxt    = "rejected-robots-txt"
	RejectedOutOfScope   = "rejected-out-of-scope"
	RejectedRedirected   = "rejected-redirected"
	RejectedDuplicate    = "rejected-duplicate"
	RejectedNonCanonical = "rejected-noncanonical"
	RejectedPremature    = "rejected-premature"
	RejectedNotFound     = "rejected-notfound"
	RejectedBadStatus    = "rejected-bad-status"
	RejectedUnmodified   = "rejected-unmodified"
	RejectedNoIndex      = "rejected-noindex"
	RejectedError        = "rejected-error"
	CrawlerStarted       = "crawler-started"
	CrawlerFinished      = "crawler-finished"
)

// Event is one observable crawl occurrence
type Event struct {
	Name      string
	Reference *models.Reference // Snapshot, may be nil for crawler-level events
	Subject   string            // What the event is about, e.g. a redirect target
	Message   string
	SessionID string
	Time      time.Time
}

// URL returns the reference URL, or "" for crawler-level events
func (e Event) URL() string {
	if e.Reference == nil {
		return ""
	}
	return e.Reference.URL
}

// Sink receives events. Emit must not block the pipeline.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(e Event)

// Emit implements Sink
func (f SinkFunc) Emit(e Event) { f(e) }

// Emitter stamps events with the session ID and time before handing them to a sink
type Emitter struct {
	sink      Sink
	sessionID string
}

// NewEmitter creates an Emitter. A nil sink discards events.
func NewEmitter(sink Sink, sessionID string) *Emitter {
	return &Emitter{sink: sink, sessionID: sessionID}
}

// Emit sends a named event about ref. The reference is cloned so later mutations do not leak.
func (em *Emitter) Emit(name string, ref *models.Reference, subject, message string) {
	if em == nil || em.sink == nil {
		return
	}
	em.sink.Emit(Event{
		Name:      name,
		Reference: ref.Clone(),
		Subject:   subject,
		Message:   message,
		SessionID: em.sessionID,
		Time:      time.Now(),
	})
}

// SessionID returns the session stamped on emitted events
func (em *Emitter) SessionID() string {
	if em == nil {
		return ""
	}
	return em.sessionID
}

// MultiSink fans events out to several sinks in order
type MultiSink []Sink

// Emit implements Sink
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to a logger. Rejections log at debug, everything else at trace.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a LogSink
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log.WithField("component", "events")}
}

// Emit implements Sink
func (s *LogSink) Emit(e Event) {
	entry := s.log.WithFields(logrus.Fields{"event": e.Name, "url": e.URL()})
	if e.Subject != "" {
		entry = entry.WithField("subject", e.Subject)
	}
	switch {
	case e.Name == CrawlerStarted || e.Name == CrawlerFinished:
		entry.Info(e.Message)
	case strings.HasPrefix(e.Name, "rejected-"):
		entry.Debug(e.Message)
	default:
		entry.Trace(e.Message)
	}
}

// AsyncSink delivers events to a downstream sink from its own goroutine.
// Emit never blocks: when the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex // Guards closed against concurrent Emit
	closed  bool
}

// NewAsyncSink starts the delivery goroutine. bufferSize <= 0 uses 1024.
func NewAsyncSink(next Sink, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &AsyncSink{next: next, ch: make(chan Event, bufferSize), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.ch {
		s.next.Emit(e)
	}
}

// Emit implements Sink
func (s *AsyncSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until buffered ones are delivered
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	<-s.done
}
