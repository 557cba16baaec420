// Package pipeline carries one reference at a time through the ordered crawl stages
// and holds the redirect, canonical and dedup decisions made along the way.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/extract"
	"github.com/Sriram-PR/politecrawler/pkg/fetch"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// Stage names, in default execution order
const (
	StageRecrawl           = "recrawl"
	StageDelay             = "delay"
	StageFetchMetadata     = "fetch-metadata"
	StageCanonicalMetadata = "canonical-metadata"
	StageChecksumMetadata  = "checksum-metadata"
	StageDedupMetadata     = "dedup-metadata"
	StageFetchDocument     = "fetch-document"
	StageCanonicalDocument = "canonical-document"
	StageRobotsMeta        = "robots-meta"
	StageExtractLinks      = "extract-links"
	StageRobotsNoIndex     = "robots-noindex"
	StageFilterContent     = "filter-content"
	StageChecksumDocument  = "checksum-document"
	StageDedupDocument     = "dedup-document"
	StagePreImport         = "pre-import"
	StageImport            = "import"
)

// Context is the per-reference working state shared by the stages of one run.
// It belongs to a single worker and is never shared.
type Context struct {
	Reference  *models.Reference // Working copy, persisted when the chain ends
	Previous   *models.Reference // Record from the previous session, nil if none
	Response   *fetch.Response   // Most recent fetch response
	Content    *extract.Content  // Set once the document phase fetched a body
	RobotsTxt  *fetch.RobotsTxt
	RobotsMeta models.RobotsMeta
	Log        *logrus.Entry

	metadataFetched   bool   // A separate metadata (HEAD) fetch ran
	documentFetched   bool   // The document (GET) fetch ran
	contentTypePassed string // Content type already accepted by the type filters
	err               error  // Session-fatal problem found by a stage
}

// NewContext creates a Context for ref
func NewContext(ref, prev *models.Reference, log *logrus.Entry) *Context {
	return &Context{Reference: ref, Previous: prev, Log: log}
}

// MetadataFetched reports whether a separate metadata phase fetch ran
func (pc *Context) MetadataFetched() bool { return pc.metadataFetched }

// DocumentFetched reports whether the document phase fetch ran
func (pc *Context) DocumentFetched() bool { return pc.documentFetched }

// Fail records an invariant violation. The chain stops and the crawl session is aborted.
func (pc *Context) Fail(err error) bool {
	if pc.err == nil {
		pc.err = fmt.Errorf("%w: %w", utils.ErrInvariant, err)
	}
	return false
}

// Err returns the invariant violation recorded by Fail, if any
func (pc *Context) Err() error { return pc.err }

// Document builds the in-memory document handed to consumers and the importer
func (pc *Context) Document() *models.Document {
	doc := &models.Document{Reference: pc.Reference.URL, ContentType: pc.Reference.ContentType}
	if pc.Content != nil {
		doc.Headers = pc.Content.Headers
		doc.Body = pc.Content.Body
		if doc.ContentType == "" {
			doc.ContentType = pc.Content.ContentType
		}
	}
	return doc
}

// Stage is one predicate of the chain. Run returns false to stop processing the reference.
type Stage struct {
	Name string
	Run  func(ctx context.Context, pc *Context) bool
}

// Pipeline runs stages in order with short-circuit AND semantics
type Pipeline struct {
	stages  []Stage
	observe func(stage string, d time.Duration)
}

// New creates a Pipeline from stages
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// WithObserver sets a function called with the duration of every executed stage
func (p *Pipeline) WithObserver(fn func(stage string, d time.Duration)) *Pipeline {
	p.observe = fn
	return p
}

// Names returns the stage names in execution order
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Execute runs every stage until one returns false.
// Returns true only if all stages accepted the reference.
func (p *Pipeline) Execute(ctx context.Context, pc *Context) bool {
	if pc == nil || pc.Reference == nil {
		return false
	}
	for _, s := range p.stages {
		start := time.Now()
		ok := s.Run(ctx, pc)
		if p.observe != nil {
			p.observe(s.Name, time.Since(start))
		}
		if !ok {
			if pc.Log != nil {
				pc.Log.WithFields(logrus.Fields{"stage": s.Name, "state": pc.Reference.State}).Debug("Pipeline stopped")
			}
			return false
		}
	}
	return true
}
