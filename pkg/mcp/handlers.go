package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/crawler"
	"github.com/Sriram-PR/politecrawler/pkg/importer"
	"github.com/Sriram-PR/politecrawler/pkg/models"
	"github.com/Sriram-PR/politecrawler/pkg/orchestrate"
	"github.com/Sriram-PR/politecrawler/pkg/parse"
	"github.com/Sriram-PR/politecrawler/pkg/storage"
)

const (
	defaultMaxResults = 10
	maxMaxResults     = 100
	snippetLength     = 150
)

// handleListCrawlers handles the list_crawlers tool
func (s *Server) handleListCrawlers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := orchestrate.GetAllCrawlerKeys(s.cfg.AppConfig)
	crawlers := make([]map[string]any, 0, len(keys))

	for _, key := range keys {
		crawlerCfg := s.cfg.AppConfig.Crawlers[key]
		info := map[string]any{
			"key":              key,
			"domain":           crawlerCfg.Scope.AllowedDomain,
			"start_urls_count": len(crawlerCfg.StartURLs),
			"sitemaps_count":   len(crawlerCfg.Sitemaps),
			"max_depth":        crawlerCfg.MaxDepth,
		}

		if summary, err := importer.ReadSessionSummary(crawler.OutputDirFor(s.cfg.AppConfig, key)); err == nil {
			info["last_session"] = map[string]any{
				"session_id":         summary.SessionID,
				"ended_at":           summary.EndTime.Format(time.RFC3339),
				"resumed":            summary.Resumed,
				"documents_imported": summary.DocsImported,
			}
		}
		if job := s.jobManager.GetJobByCrawler(key); job != nil {
			info["job_id"] = job.ID
			info["job_status"] = job.Status
		}

		crawlers = append(crawlers, info)
	}

	result := map[string]any{
		"crawlers":       crawlers,
		"config_path":    s.cfg.ConfigPath,
		"total_crawlers": len(crawlers),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleStartCrawl handles the start_crawl tool
func (s *Server) handleStartCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlerKey := request.GetString("crawler_key", "")
	if crawlerKey == "" {
		return mcp.NewToolResultError("crawler_key parameter is required"), nil
	}
	resume := request.GetBool("resume", false)

	if err := orchestrate.ValidateCrawlerKeys(s.cfg.AppConfig, []string{crawlerKey}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, created := s.jobManager.CreateJob(crawlerKey, resume)
	if !created {
		result := map[string]any{
			"status":      "already_running",
			"message":     "A crawl is already in progress for this crawler",
			"job_id":      job.ID,
			"job_status":  job.Status,
			"crawler_key": crawlerKey,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	go s.runCrawlJob(job)

	result := map[string]any{
		"status":      "started",
		"message":     "Crawl started successfully",
		"job_id":      job.ID,
		"crawler_key": crawlerKey,
		"resume":      resume,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.refreshProgress(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]any{
		"job_id":               job.ID,
		"crawler_key":          job.CrawlerKey,
		"status":               job.Status,
		"started_at":           job.StartedAt.Format(time.RFC3339),
		"references_processed": job.ReferencesProcessed,
		"queue_length":         job.QueueLength,
		"resume":               job.Resume,
	}
	if job.Status.Done() {
		result["documents_imported"] = job.DocsImported
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
		if holder := s.jobManager.GetJobByCrawler(job.CrawlerKey); holder != nil && holder.ID == job.ID {
			// Cancelled, in-flight references still finishing
			result["stopping"] = true
		}
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// refreshProgress copies the live crawler counters into a running job and returns it
func (s *Server) refreshProgress(jobID string) *Job {
	job := s.jobManager.GetJob(jobID)
	if job == nil || job.Status.Done() || job.orch == nil {
		return job
	}
	if c := job.orch.Crawler(job.CrawlerKey); c != nil {
		p := c.GetProgress()
		s.jobManager.UpdateProgress(jobID, p.Processed, int64(p.QueueLength))
		return s.jobManager.GetJob(jobID)
	}
	return job
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	if !s.jobManager.CancelJob(jobID) {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' already %s", jobID, job.Status)), nil
	}
	s.log.WithField("crawler", job.CrawlerKey).Infof("Crawl job %s cancelled", jobID)

	result := map[string]any{
		"job_id":      jobID,
		"crawler_key": job.CrawlerKey,
		"status":      JobStatusCancelled,
		"message":     "Crawl stopping; run start_crawl with resume to continue",
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetReference handles the get_reference tool
func (s *Server) handleGetReference(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlerKey := request.GetString("crawler_key", "")
	rawURL := request.GetString("url", "")
	if crawlerKey == "" || rawURL == "" {
		return mcp.NewToolResultError("crawler_key and url parameters are required"), nil
	}
	crawlerCfg, ok := s.cfg.AppConfig.Crawlers[crawlerKey]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("crawler '%s' not found", crawlerKey)), nil
	}

	normalized := parse.Normalizer{KeepQuery: crawlerCfg.KeepQueryStrings}.Normalize(rawURL)
	if normalized == "" {
		return mcp.NewToolResultError(fmt.Sprintf("'%s' is not an absolute http(s) URL", rawURL)), nil
	}

	ref, err := s.lookupReference(ctx, crawlerKey, normalized)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"crawler_key": crawlerKey,
		"url":         normalized,
		"found":       ref != nil,
	}
	if ref != nil {
		result["reference"] = ref
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// lookupReference reads a reference from the running session's store, or opens the
// crawler's reference database when no session holds it
func (s *Server) lookupReference(ctx context.Context, crawlerKey, normalizedURL string) (*models.Reference, error) {
	if job := s.jobManager.GetJobByCrawler(crawlerKey); job != nil {
		if job.orch != nil {
			if c := job.orch.Crawler(crawlerKey); c != nil && c.GetProgress().IsRunning {
				return c.Store().Get(normalizedURL)
			}
		}
		return nil, fmt.Errorf("crawler '%s' is starting or stopping a session, try again shortly", crawlerKey)
	}

	stateDir := s.cfg.AppConfig.StateDir
	if stateDir == "" {
		return nil, errors.New("state_dir is not configured, references are only kept during a running session")
	}
	if _, err := os.Stat(storage.DBPath(stateDir, crawlerKey)); err != nil {
		return nil, fmt.Errorf("no reference database for crawler '%s' yet", crawlerKey)
	}

	store, err := storage.NewBadgerStore(ctx, stateDir, crawlerKey, false, s.log.WithField("crawler", crawlerKey))
	if err != nil {
		return nil, fmt.Errorf("failed to open reference database: %w", err)
	}
	defer store.Close()
	return store.Get(normalizedURL)
}

// handleSearchDocuments handles the search_documents tool
func (s *Server) handleSearchDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	crawlerKey := request.GetString("crawler_key", "")
	maxResults := request.GetInt("max_results", defaultMaxResults)
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > maxMaxResults {
		maxResults = maxMaxResults
	}

	keys := orchestrate.GetAllCrawlerKeys(s.cfg.AppConfig)
	if crawlerKey != "" {
		if _, ok := s.cfg.AppConfig.Crawlers[crawlerKey]; !ok {
			return mcp.NewToolResultError(fmt.Sprintf("crawler '%s' not found", crawlerKey)), nil
		}
		keys = []string{crawlerKey}
	}

	results := make([]map[string]any, 0)
	for _, key := range keys {
		if len(results) >= maxResults {
			break
		}
		path := filepath.Join(crawler.OutputDirFor(s.cfg.AppConfig, key), importer.DocumentsFilename)
		found, err := searchDocuments(path, query, maxResults-len(results))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WithField("crawler", key).Warnf("Search stopped early in %s: %v", path, err)
		}
		for _, r := range found {
			r["crawler_key"] = key
			results = append(results, r)
		}
	}

	response := map[string]any{
		"query":         query,
		"results":       results,
		"total_matches": len(results),
	}
	if crawlerKey != "" {
		response["crawler_key"] = crawlerKey
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// runCrawlJob runs one crawler session for a job through an orchestrator
func (s *Server) runCrawlJob(job *Job) {
	jobLog := s.log.WithFields(logrus.Fields{"crawler": job.CrawlerKey, "job_id": job.ID})
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")

	orch := orchestrate.NewOrchestrator(s.cfg.AppConfig, []string{job.CrawlerKey}, orchestrate.Options{
		Resume: job.Resume,
	}, jobLog.WithField("component", "orchestrator"))
	s.jobManager.attach(job.ID, orch)

	results := orch.Run(s.jobManager.GetContext(job.ID))
	if len(results) == 0 {
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, "crawler produced no result")
		return
	}
	result := results[0]
	s.jobManager.RecordResult(job.ID, result)

	switch {
	case result.Success:
		s.jobManager.UpdateStatus(job.ID, JobStatusCompleted, "")
	case errors.Is(result.Error, context.Canceled):
		s.jobManager.UpdateStatus(job.ID, JobStatusCancelled, "")
	default:
		msg := "crawl failed"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, msg)
	}
	jobLog.Infof("Crawl job ended: %d references processed, %d documents imported", result.Processed, result.DocsImported)
}

// searchDocuments streams a documents file and returns up to limit records whose URL or
// body contains query
func searchDocuments(path, query string, limit int) ([]map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	queryLower := strings.ToLower(query)
	results := make([]map[string]any, 0)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // up to 10MB per line
	for scanner.Scan() && len(results) < limit {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc models.ImportedDocument
		if err := parseJSONLine(line, &doc); err != nil {
			continue
		}

		var matchLocation string
		switch {
		case strings.Contains(strings.ToLower(doc.URL), queryLower):
			matchLocation = "url"
		case strings.Contains(strings.ToLower(doc.Body), queryLower):
			matchLocation = "body"
		default:
			continue
		}

		results = append(results, map[string]any{
			"url":            doc.URL,
			"content_type":   doc.ContentType,
			"depth":          doc.Depth,
			"session_id":     doc.SessionID,
			"imported_at":    doc.ImportedAt.Format(time.RFC3339),
			"snippet":        extractSnippet(doc.Body, query, snippetLength),
			"match_location": matchLocation,
		})
	}
	return results, scanner.Err()
}

// extractSnippet extracts a snippet around the query match, slicing on rune
// boundaries so multi-byte UTF-8 characters are never split.
func extractSnippet(content, query string, maxLen int) string {
	runes := []rune(content)
	queryRunes := []rune(strings.ToLower(query))
	contentLowerRunes := []rune(strings.ToLower(content))

	idx := -1
	if len(contentLowerRunes) == len(runes) {
		for i := 0; i <= len(contentLowerRunes)-len(queryRunes); i++ {
			if string(contentLowerRunes[i:i+len(queryRunes)]) == string(queryRunes) {
				idx = i
				break
			}
		}
	}

	if idx == -1 {
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return content
	}

	start := max(idx-maxLen/2, 0)
	end := min(idx+len(queryRunes)+maxLen/2, len(runes))

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet
}

// parseJSONLine parses a single documents file line
func parseJSONLine(line string, doc *models.ImportedDocument) error {
	return json.Unmarshal([]byte(line), doc)
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
