package importer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// DocumentConsumer runs side effects on an accepted document before import.
// Errors are logged by the caller and never reject the document.
type DocumentConsumer interface {
	Name() string
	Process(ctx context.Context, doc *models.Document) error
}

// RawSaver writes each accepted body to <dir>/<host>/<path>, mirroring the site layout
type RawSaver struct {
	dir string
	log *logrus.Entry
}

// NewRawSaver creates a RawSaver rooted at dir
func NewRawSaver(dir string, log *logrus.Entry) *RawSaver {
	return &RawSaver{dir: dir, log: log.WithField("component", "raw_saver")}
}

// Name implements DocumentConsumer
func (s *RawSaver) Name() string { return "raw-saver" }

// Process implements DocumentConsumer
func (s *RawSaver) Process(_ context.Context, doc *models.Document) error {
	target, err := s.LocalPath(doc.Reference)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, target, err)
	}
	if err := os.WriteFile(target, doc.Body, 0644); err != nil {
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, target, err)
	}
	s.log.WithField("path", target).Debugf("Saved raw document %s", doc.Reference)
	return nil
}

// LocalPath maps a reference URL to its file below the saver's directory.
// Directory-like paths get an index file; the query, if any, becomes part of the file name.
func (s *RawSaver) LocalPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: URL '%s' cannot be mapped to a file", utils.ErrParsing, rawURL)
	}
	p := path.Clean("/" + u.Path)
	if p == "/" || strings.HasSuffix(u.Path, "/") {
		p = path.Join(p, "index")
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, seg := range segments {
		segments[i] = utils.PathSegment(seg)
	}
	if u.RawQuery != "" {
		last := len(segments) - 1
		segments[last] += "_" + utils.SHA256Hex([]byte(u.RawQuery))[:8]
	}
	parts := append([]string{s.dir, utils.PathSegment(u.Host)}, segments...)
	return filepath.Join(parts...), nil
}
