// Package importer receives accepted documents at the end of the crawl pipeline.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

const (
	DocumentsFilename = "documents.jsonl"
	SummaryFilename   = "session.yaml"
)

// Importer takes ownership of accepted documents
type Importer interface {
	Import(ctx context.Context, ref *models.Reference, doc *models.Document) error
}

// JSONLImporter appends one JSON line per accepted document to the crawler's output directory
type JSONLImporter struct {
	log        *logrus.Entry
	outputDir  string
	path       string
	importBody bool
	sessionID  string

	mu       sync.Mutex
	file     *os.File
	imported int
}

// NewJSONLImporter creates an importer writing under outputDir. Call Open before Import.
func NewJSONLImporter(outputDir string, importBody bool, sessionID string, log *logrus.Entry) *JSONLImporter {
	return &JSONLImporter{
		log:        log.WithField("component", "importer"),
		outputDir:  outputDir,
		path:       filepath.Join(outputDir, DocumentsFilename),
		importBody: importBody,
		sessionID:  sessionID,
	}
}

// Path returns the JSONL file path
func (im *JSONLImporter) Path() string { return im.path }

// Open creates the output directory and opens the JSONL file,
// appending on resume and truncating otherwise.
func (im *JSONLImporter) Open(resume bool) error {
	if err := os.MkdirAll(im.outputDir, 0755); err != nil {
		return fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, im.outputDir, err)
	}
	openFlags := os.O_CREATE | os.O_WRONLY
	if resume {
		im.log.Infof("Resume mode: Appending to documents file: %s", im.path)
		openFlags |= os.O_APPEND
	} else {
		im.log.Infof("Non-resume mode: Truncating documents file: %s", im.path)
		openFlags |= os.O_TRUNC
	}
	file, err := os.OpenFile(im.path, openFlags, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening documents file '%s': %w", utils.ErrFilesystem, im.path, err)
	}
	im.mu.Lock()
	im.file = file
	im.mu.Unlock()
	return nil
}

// Import implements Importer
func (im *JSONLImporter) Import(_ context.Context, ref *models.Reference, doc *models.Document) error {
	record := models.ImportedDocument{
		URL:             ref.URL,
		Depth:           ref.Depth,
		Referrer:        ref.ReferrerReference,
		ContentType:     ref.ContentType,
		MetaChecksum:    ref.MetaChecksum,
		ContentChecksum: ref.ContentChecksum,
		SessionID:       im.sessionID,
		ImportedAt:      time.Now().UTC(),
	}
	if im.importBody && doc != nil {
		record.Body = string(doc.Body)
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: JSON marshal of '%s': %w", utils.ErrParsing, ref.URL, err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	if im.file == nil {
		return fmt.Errorf("%w: documents file is not open", utils.ErrFilesystem)
	}
	if _, err := im.file.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("%w: writing documents file: %w", utils.ErrFilesystem, err)
	}
	im.imported++
	return nil
}

// Imported returns how many documents were written this session
func (im *JSONLImporter) Imported() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.imported
}

// Close syncs and closes the JSONL file
func (im *JSONLImporter) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.file == nil {
		return nil
	}
	im.log.Infof("Syncing and closing documents file: %s", im.path)
	syncErr := im.file.Sync()
	closeErr := im.file.Close()
	im.file = nil
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: closing documents file '%s': %w", utils.ErrFilesystem, im.path, err)
	}
	return nil
}

// ConfigSnapshot converts any YAML-serializable config into a generic map for the session summary.
// Returns nil if the round trip fails.
func ConfigSnapshot(cfg any, log *logrus.Entry) map[string]any {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Warnf("Could not marshal configuration for session summary: %v", err)
		return nil
	}
	var snapshot map[string]any
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		log.Warnf("Could not unmarshal configuration into map for session summary: %v", err)
		return nil
	}
	return snapshot
}

// WriteSessionSummary writes summary as YAML into outputDir
func WriteSessionSummary(outputDir string, summary *models.SessionSummary) (string, error) {
	path := filepath.Join(outputDir, SummaryFilename)
	data, err := yaml.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session summary for crawler '%s': %w", summary.CrawlerKey, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, outputDir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: writing session summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	return path, nil
}

// ReadSessionSummary reads the summary of the last closed session from outputDir
func ReadSessionSummary(outputDir string) (*models.SessionSummary, error) {
	path := filepath.Join(outputDir, SummaryFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading session summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	var summary models.SessionSummary
	if err := yaml.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse session summary '%s': %w", path, err)
	}
	return &summary, nil
}
