package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sriram-PR/politecrawler/pkg/config"
)

func TestURLScope_Domain(t *testing.T) {
	s := New(config.ScopeConfig{AllowedDomain: "Example.com"})

	assert.True(t, s.IsInScope("", "https://example.com/docs"))
	assert.True(t, s.IsInScope("", "http://EXAMPLE.com:8080/"))
	assert.False(t, s.IsInScope("", "https://docs.example.com/"))
	assert.False(t, s.IsInScope("", "https://notexample.com/"))
	assert.False(t, s.IsInScope("", "mailto:a@example.com"))

	ok, reason := s.Check("", "https://other.org/")
	assert.False(t, ok)
	assert.Equal(t, "domain", reason)
}

func TestURLScope_Subdomains(t *testing.T) {
	s := New(config.ScopeConfig{AllowedDomain: "example.com", IncludeSubdomains: true})

	assert.True(t, s.IsInScope("", "https://docs.example.com/"))
	assert.True(t, s.IsInScope("", "https://example.com/"))
	assert.False(t, s.IsInScope("", "https://badexample.com/"))
}

func TestURLScope_PathPrefix(t *testing.T) {
	s := New(config.ScopeConfig{AllowedDomain: "example.com", AllowedPathPrefix: "/docs"})

	assert.True(t, s.IsInScope("", "https://example.com/docs/intro"))
	assert.False(t, s.IsInScope("", "https://example.com/blog"))
	assert.False(t, s.IsInScope("", "https://example.com"))
}

func TestURLScope_PortAndProtocol(t *testing.T) {
	s := New(config.ScopeConfig{AllowedDomain: "example.com", StayOnPort: true, StayOnProtocol: true})
	src := "https://example.com/a"

	assert.True(t, s.IsInScope(src, "https://example.com:443/b"))
	assert.False(t, s.IsInScope(src, "http://example.com/b"))
	assert.False(t, s.IsInScope(src, "https://example.com:8443/b"))
	assert.True(t, s.IsInScope("", "http://example.com:8080/b"), "no source, nothing to stay on")

	ok, reason := s.Check(src, "http://example.com/b")
	assert.False(t, ok)
	assert.Equal(t, "protocol", reason)
}
