// Package checksum computes the fingerprints used to detect unmodified and duplicate documents.
package checksum

import (
	"net/http"
	"strings"

	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// DefaultMetadataFields are fingerprinted when no fields are configured.
var DefaultMetadataFields = []string{"Last-Modified", "ETag"}

// MetadataChecksummer fingerprints response metadata (headers).
// An empty result means no fingerprint could be computed.
type MetadataChecksummer interface {
	MetadataChecksum(headers http.Header) string
}

// DocumentChecksummer fingerprints fetched content.
type DocumentChecksummer interface {
	DocumentChecksum(body []byte) string
}

// HeaderChecksummer fingerprints a fixed set of header fields
type HeaderChecksummer struct {
	Fields []string
}

// NewHeaderChecksummer creates a HeaderChecksummer, falling back to DefaultMetadataFields
func NewHeaderChecksummer(fields []string) *HeaderChecksummer {
	if len(fields) == 0 {
		fields = DefaultMetadataFields
	}
	return &HeaderChecksummer{Fields: fields}
}

// MetadataChecksum returns the SHA-256 of the present fields as "name=value" lines,
// or "" when none of the fields are present.
func (h *HeaderChecksummer) MetadataChecksum(headers http.Header) string {
	var b strings.Builder
	found := false
	for _, field := range h.Fields {
		values := headers.Values(field)
		if len(values) == 0 {
			continue
		}
		found = true
		b.WriteString(http.CanonicalHeaderKey(field))
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte('\n')
	}
	if !found {
		return ""
	}
	return utils.SHA256Hex([]byte(b.String()))
}

// SHA256Checksummer fingerprints the raw body
type SHA256Checksummer struct{}

// DocumentChecksum returns the SHA-256 of body, "" for an empty body
func (SHA256Checksummer) DocumentChecksum(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return utils.SHA256Hex(body)
}
