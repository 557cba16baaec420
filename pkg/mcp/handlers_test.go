package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/crawler"
	"github.com/Sriram-PR/politecrawler/pkg/importer"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// callTool invokes a handler and decodes its JSON text result
func callTool(t *testing.T, handler toolHandler, args map[string]any) (map[string]any, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "text content")
	if res.IsError {
		return map[string]any{"error": text.Text}, true
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out, false
}

func testServer(t *testing.T, crawlers map[string]config.CrawlerConfig) *Server {
	t.Helper()
	appCfg := &config.AppConfig{
		DefaultUserAgent:  "politecrawler-test",
		NumWorkers:        2,
		OutputBaseDir:     t.TempDir(),
		StateDir:          t.TempDir(),
		InitialRetryDelay: time.Millisecond,
		Delay:             config.DelayConfig{Default: time.Millisecond},
		Crawlers:          map[string]config.CrawlerConfig{},
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)
	for key, cfg := range crawlers {
		_, err := cfg.Validate()
		require.NoError(t, err)
		appCfg.Crawlers[key] = cfg
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := NewServer(&ServerConfig{AppConfig: appCfg, ConfigPath: "test.yaml", Transport: "stdio", Logger: log})
	require.NoError(t, err)
	t.Cleanup(s.jobManager.CancelAll)
	return s
}

func writeDocuments(t *testing.T, s *Server, crawlerKey string, docs ...models.ImportedDocument) {
	t.Helper()
	dir := crawler.OutputDirFor(s.cfg.AppConfig, crawlerKey)
	require.NoError(t, os.MkdirAll(dir, 0755))
	var sb strings.Builder
	for _, d := range docs {
		line, err := json.Marshal(d)
		require.NoError(t, err)
		sb.Write(line)
		sb.WriteString("\n")
	}
	sb.WriteString("not json\n\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, importer.DocumentsFilename), []byte(sb.String()), 0644))
}

func TestNewServer_RequiresConfig(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
}

func TestServer_RunUnknownTransport(t *testing.T) {
	s := testServer(t, nil)
	s.cfg.Transport = "carrier-pigeon"
	err := s.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestHandleListCrawlers(t *testing.T) {
	s := testServer(t, map[string]config.CrawlerConfig{
		"docs": {StartURLs: []string{"https://docs.example.com/"}, Sitemaps: []string{"https://docs.example.com/sitemap.xml"}},
		"blog": {StartURLs: []string{"https://blog.example.com/"}, MaxDepth: 3},
	})
	_, err := importer.WriteSessionSummary(crawler.OutputDirFor(s.cfg.AppConfig, "docs"), &models.SessionSummary{
		SessionID:    "sess-1",
		CrawlerKey:   "docs",
		EndTime:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		DocsImported: 17,
	})
	require.NoError(t, err)
	job := createTestJob(t, s.jobManager, "blog", false)

	out, isErr := callTool(t, s.handleListCrawlers, nil)
	require.False(t, isErr)
	assert.Equal(t, float64(2), out["total_crawlers"])
	assert.Equal(t, "test.yaml", out["config_path"])

	crawlers := out["crawlers"].([]any)
	blog := crawlers[0].(map[string]any)
	assert.Equal(t, "blog", blog["key"])
	assert.Equal(t, job.ID, blog["job_id"])
	assert.Equal(t, float64(3), blog["max_depth"])
	assert.NotContains(t, blog, "last_session")

	docs := crawlers[1].(map[string]any)
	assert.Equal(t, "docs", docs["key"])
	assert.Equal(t, float64(1), docs["sitemaps_count"])
	last := docs["last_session"].(map[string]any)
	assert.Equal(t, "sess-1", last["session_id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", last["ended_at"])
	assert.Equal(t, float64(17), last["documents_imported"])
	assert.NotContains(t, docs, "job_id")
}

func TestHandleStartCrawl_Errors(t *testing.T) {
	s := testServer(t, map[string]config.CrawlerConfig{
		"docs": {StartURLs: []string{"https://docs.example.com/"}},
	})

	out, isErr := callTool(t, s.handleStartCrawl, nil)
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "crawler_key")

	out, isErr = callTool(t, s.handleStartCrawl, map[string]any{"crawler_key": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "[docs]")

	held := createTestJob(t, s.jobManager, "docs", false)
	out, isErr = callTool(t, s.handleStartCrawl, map[string]any{"crawler_key": "docs"})
	assert.False(t, isErr)
	assert.Equal(t, "already_running", out["status"])
	assert.Equal(t, held.ID, out["job_id"])
}

func TestHandleJobTools_UnknownJob(t *testing.T) {
	s := testServer(t, nil)
	for name, h := range map[string]toolHandler{"get_job_status": s.handleGetJobStatus, "cancel_job": s.handleCancelJob} {
		t.Run(name, func(t *testing.T) {
			out, isErr := callTool(t, h, map[string]any{"job_id": "nope"})
			assert.True(t, isErr)
			assert.Contains(t, out["error"], "not found")

			_, isErr = callTool(t, h, nil)
			assert.True(t, isErr)
		})
	}
}

func TestHandleCancelJob(t *testing.T) {
	s := testServer(t, nil)
	job := createTestJob(t, s.jobManager, "docs", false)
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")

	out, isErr := callTool(t, s.handleCancelJob, map[string]any{"job_id": job.ID})
	require.False(t, isErr)
	assert.Equal(t, string(JobStatusCancelled), out["status"])

	status, _ := callTool(t, s.handleGetJobStatus, map[string]any{"job_id": job.ID})
	assert.Equal(t, string(JobStatusCancelled), status["status"])
	assert.Equal(t, true, status["stopping"], "session has not returned yet")

	out, isErr = callTool(t, s.handleCancelJob, map[string]any{"job_id": job.ID})
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "already cancelled")
}

func TestHandleGetReference(t *testing.T) {
	s := testServer(t, map[string]config.CrawlerConfig{
		"docs":  {StartURLs: []string{"https://docs.example.com/"}},
		"fresh": {StartURLs: []string{"https://fresh.example.com/"}},
	})

	store, err := storage.NewBadgerStore(context.Background(), s.cfg.AppConfig.StateDir, "docs", false, s.log)
	require.NoError(t, err)
	queued, err := store.Queue(models.NewReference("https://docs.example.com/guide", 1))
	require.NoError(t, err)
	require.True(t, queued)
	require.NoError(t, store.Close())

	t.Run("stored reference", func(t *testing.T) {
		out, isErr := callTool(t, s.handleGetReference, map[string]any{
			"crawler_key": "docs",
			"url":         "HTTPS://Docs.Example.com/guide/#intro",
		})
		require.False(t, isErr, out["error"])
		assert.Equal(t, "https://docs.example.com/guide", out["url"])
		assert.Equal(t, true, out["found"])
		ref := out["reference"].(map[string]any)
		assert.Equal(t, string(models.StageQueued), ref["stage"])
		assert.Equal(t, float64(1), ref["depth"])
	})

	t.Run("unknown url", func(t *testing.T) {
		out, isErr := callTool(t, s.handleGetReference, map[string]any{
			"crawler_key": "docs",
			"url":         "https://docs.example.com/other",
		})
		require.False(t, isErr, out["error"])
		assert.Equal(t, false, out["found"])
		assert.NotContains(t, out, "reference")
	})

	t.Run("no database yet", func(t *testing.T) {
		out, isErr := callTool(t, s.handleGetReference, map[string]any{
			"crawler_key": "fresh",
			"url":         "https://fresh.example.com/",
		})
		assert.True(t, isErr)
		assert.Contains(t, out["error"], "no reference database")
		assert.NoDirExists(t, storage.DBPath(s.cfg.AppConfig.StateDir, "fresh"))
	})

	t.Run("bad input", func(t *testing.T) {
		_, isErr := callTool(t, s.handleGetReference, map[string]any{"crawler_key": "docs", "url": "mailto:a@b"})
		assert.True(t, isErr)
		_, isErr = callTool(t, s.handleGetReference, map[string]any{"crawler_key": "nope", "url": "https://a.example/"})
		assert.True(t, isErr)
	})

	t.Run("crawler held by a starting job", func(t *testing.T) {
		createTestJob(t, s.jobManager, "docs", false)
		out, isErr := callTool(t, s.handleGetReference, map[string]any{
			"crawler_key": "docs",
			"url":         "https://docs.example.com/guide",
		})
		assert.True(t, isErr)
		assert.Contains(t, out["error"], "try again")
	})
}

func TestHandleSearchDocuments(t *testing.T) {
	s := testServer(t, map[string]config.CrawlerConfig{
		"docs": {StartURLs: []string{"https://docs.example.com/"}},
		"blog": {StartURLs: []string{"https://blog.example.com/"}},
	})
	writeDocuments(t, s, "docs",
		models.ImportedDocument{URL: "https://docs.example.com/install", ContentType: "text/html", Body: "Run the installer and wait."},
		models.ImportedDocument{URL: "https://docs.example.com/faq", Body: "Polite crawlers honor Crawl-delay."},
	)
	writeDocuments(t, s, "blog",
		models.ImportedDocument{URL: "https://blog.example.com/crawl-delay-explained", Depth: 2},
	)

	t.Run("all crawlers", func(t *testing.T) {
		out, isErr := callTool(t, s.handleSearchDocuments, map[string]any{"query": "crawl-delay"})
		require.False(t, isErr)
		assert.Equal(t, float64(2), out["total_matches"])

		results := out["results"].([]any)
		first := results[0].(map[string]any)
		assert.Equal(t, "blog", first["crawler_key"])
		assert.Equal(t, "url", first["match_location"])

		second := results[1].(map[string]any)
		assert.Equal(t, "docs", second["crawler_key"])
		assert.Equal(t, "body", second["match_location"])
		assert.Contains(t, second["snippet"], "Crawl-delay")
	})

	t.Run("one crawler with limit", func(t *testing.T) {
		out, isErr := callTool(t, s.handleSearchDocuments, map[string]any{"query": "docs.example", "crawler_key": "docs", "max_results": 1})
		require.False(t, isErr)
		assert.Equal(t, float64(1), out["total_matches"])
		assert.Equal(t, "docs", out["crawler_key"])
	})

	t.Run("errors", func(t *testing.T) {
		_, isErr := callTool(t, s.handleSearchDocuments, nil)
		assert.True(t, isErr)
		_, isErr = callTool(t, s.handleSearchDocuments, map[string]any{"query": "x", "crawler_key": "nope"})
		assert.True(t, isErr)
	})
}

func TestSearchDocuments_MissingFile(t *testing.T) {
	results, err := searchDocuments(filepath.Join(t.TempDir(), importer.DocumentsFilename), "x", 10)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, results)
}

func TestCrawlJob_Lifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path != "/" {
			fmt.Fprintf(w, "<p>%s</p>", r.URL.Path)
			return
		}
		fmt.Fprint(w, `<a href="/p0">p0</a><a href="/p1">p1</a>`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	s := testServer(t, map[string]config.CrawlerConfig{
		"site": {StartURLs: []string{site.URL + "/"}},
	})

	out, isErr := callTool(t, s.handleStartCrawl, map[string]any{"crawler_key": "site"})
	require.False(t, isErr, out["error"])
	require.Equal(t, "started", out["status"])
	jobID := out["job_id"].(string)

	var status map[string]any
	require.Eventually(t, func() bool {
		status, _ = callTool(t, s.handleGetJobStatus, map[string]any{"job_id": jobID})
		return status["status"] == string(JobStatusCompleted)
	}, 20*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(3), status["references_processed"])
	assert.Equal(t, float64(3), status["documents_imported"])
	assert.NotContains(t, status, "stopping")
	assert.False(t, s.jobManager.IsRunning("site"))

	ref, isErr := callTool(t, s.handleGetReference, map[string]any{"crawler_key": "site", "url": site.URL + "/p1"})
	require.False(t, isErr, ref["error"])
	assert.Equal(t, true, ref["found"])
	stored := ref["reference"].(map[string]any)
	assert.Equal(t, string(models.StageProcessed), stored["stage"])
	assert.Equal(t, string(models.StateNew), stored["state"])

	found, isErr := callTool(t, s.handleSearchDocuments, map[string]any{"query": site.URL + "/p0", "crawler_key": "site"})
	require.False(t, isErr)
	assert.Equal(t, float64(1), found["total_matches"])

	list, _ := callTool(t, s.handleListCrawlers, nil)
	entry := list["crawlers"].([]any)[0].(map[string]any)
	assert.Contains(t, entry, "last_session")
}

func TestExtractSnippet(t *testing.T) {
	tests := []struct {
		name    string
		content string
		query   string
		maxLen  int
		wantHas string
		wantPfx string
		wantSfx string
	}{
		{
			name:    "match in middle with ellipsis",
			content: "The crawler waits between requests so the host is never flooded by one session",
			query:   "between",
			maxLen:  20,
			wantHas: "between",
			wantPfx: "...",
			wantSfx: "...",
		},
		{
			name:    "match at start",
			content: "Disallow rules apply per agent",
			query:   "disallow",
			maxLen:  20,
			wantHas: "Disallow",
		},
		{
			name:    "no match truncated",
			content: "abcdefghijklmnopqrstuvwxyz",
			query:   "zzz",
			maxLen:  10,
			wantHas: "abcdefghij",
			wantSfx: "...",
		},
		{
			name:    "short content returned as-is",
			content: "hi",
			query:   "missing",
			maxLen:  100,
			wantHas: "hi",
		},
		{
			name:    "multi-byte runes kept whole",
			content: "日本語のクロール規則とロボット",
			query:   "ロボット",
			maxLen:  4,
			wantHas: "ロボット",
			wantPfx: "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractSnippet(tt.content, tt.query, tt.maxLen)
			assert.Contains(t, got, tt.wantHas)
			if tt.wantPfx != "" {
				assert.True(t, strings.HasPrefix(got, tt.wantPfx), got)
			}
			if tt.wantSfx != "" {
				assert.True(t, strings.HasSuffix(got, tt.wantSfx), got)
			}
		})
	}
}

func TestParseJSONLine(t *testing.T) {
	var doc models.ImportedDocument
	require.NoError(t, parseJSONLine(`{"url":"https://a.example/","depth":2,"session_id":"s","body":"hello"}`, &doc))
	assert.Equal(t, "https://a.example/", doc.URL)
	assert.Equal(t, 2, doc.Depth)
	assert.Equal(t, "hello", doc.Body)

	assert.Error(t, parseJSONLine("{broken", &doc))
}
