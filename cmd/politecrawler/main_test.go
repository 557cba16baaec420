package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

const twoCrawlers = `
num_workers: 4
output_base_dir: "./out"
state_dir: "./state"
crawlers:
  crawler_a:
    start_urls: ["http://a.com"]
    scope:
      allowed_domain: "a.com"
  crawler_b:
    start_urls: ["http://b.com/docs/"]
    sitemaps: ["http://b.com/sitemap.xml"]
    scope:
      allowed_path_prefix: "docs"
    disallowed_patterns: ["\\.pdf$"]
`

func TestDoValidate_AllCrawlers(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: [crawler_a]")
	assert.Contains(t, stdout.String(), "OK: [crawler_b]")
	assert.Contains(t, stdout.String(), "WARN: [crawler_b] scope.allowed_domain is empty")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_SpecificCrawler(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "crawler_a", &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: [crawler_a]")
	assert.NotContains(t, stdout.String(), "crawler_b")
}

func TestDoValidate_CrawlerNotFound(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "nonexistent", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "not found")
}

func TestDoValidate_InvalidCrawler(t *testing.T) {
	cfgPath := writeConfig(t, `
crawlers:
  bad:
    start_urls: []
  bad_pattern:
    start_urls: ["http://example.com"]
    disallowed_patterns: ["("]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "ERROR: [bad]")
	assert.Contains(t, stderr.String(), "ERROR: [bad_pattern]")
	assert.NotContains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent.yaml", "", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "read config")
}

func TestDoValidate_InvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "{{invalid yaml")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "parse config")
}

func TestDoListCrawlers(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	var stdout, stderr bytes.Buffer
	exitCode := doListCrawlers(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	out := stdout.String()
	assert.Contains(t, out, "crawler_a")
	assert.Contains(t, out, "Domain: a.com")
	assert.Contains(t, out, "Start URLs: 1")
	assert.Contains(t, out, "Sitemaps: 1")
	assert.Contains(t, out, "Path Prefix: docs")
	assert.Less(t, bytes.Index(stdout.Bytes(), []byte("crawler_a")), bytes.Index(stdout.Bytes(), []byte("crawler_b")))
}

func TestDoListCrawlers_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doListCrawlers("/nonexistent.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"crawl", "resume", "watch", "validate", "list-crawlers", "mcp", "version"} {
		assert.Contains(t, out, cmd)
	}
}

func TestSelectionKeys(t *testing.T) {
	parse := func(args ...string) selection {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		sel := addSelectionFlags(fs)
		require.NoError(t, fs.Parse(args))
		return sel
	}

	keys, err := parse("-crawler", "docs").keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, keys)

	keys, err = parse("-crawlers", "docs, blog,,").keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "blog"}, keys)

	keys, err = parse("--all-crawlers").keys()
	require.NoError(t, err)
	assert.Nil(t, keys)

	_, err = parse().keys()
	assert.Error(t, err)
}

func TestLoadForRun(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	t.Run("all crawlers", func(t *testing.T) {
		appCfg, keys, err := loadForRun(cfgPath, nil, true, discardLogger())
		require.NoError(t, err)
		assert.Equal(t, []string{"crawler_a", "crawler_b"}, keys)

		// Validated configs are stored back
		b := appCfg.Crawlers["crawler_b"]
		assert.Equal(t, "b.com", b.Scope.AllowedDomain)
		assert.Equal(t, "/docs", b.Scope.AllowedPathPrefix)
		assert.Len(t, b.DisallowedRegexps(), 1)
	})

	t.Run("selected crawler", func(t *testing.T) {
		appCfg, keys, err := loadForRun(cfgPath, []string{"crawler_b"}, false, discardLogger())
		require.NoError(t, err)
		assert.Equal(t, []string{"crawler_b"}, keys)
		assert.Equal(t, 4, appCfg.NumWorkers)
	})

	t.Run("unknown crawler", func(t *testing.T) {
		_, _, err := loadForRun(cfgPath, []string{"missing"}, false, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("invalid crawler", func(t *testing.T) {
		badPath := writeConfig(t, `
crawlers:
  bad:
    start_urls: ["ftp://example.com"]
`)
		_, _, err := loadForRun(badPath, []string{"bad"}, false, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "crawler 'bad'")
	})
}

func TestDoMcpServer_ConfigNotFound(t *testing.T) {
	var stderr bytes.Buffer
	exitCode := doMcpServer(filepath.Join(t.TempDir(), "missing.yaml"), "stdio", 0, "error", &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error loading config")
}

func TestDoMcpServer_UnknownTransport(t *testing.T) {
	cfgPath := writeConfig(t, twoCrawlers)

	var stderr bytes.Buffer
	exitCode := doMcpServer(cfgPath, "carrier-pigeon", 0, "error", &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "unknown transport")
}
