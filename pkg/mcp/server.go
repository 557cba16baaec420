package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/config"
)

const serverName = "politecrawler"

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig // Validated, with validated crawler configs
	ConfigPath string
	Version    string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server exposes the configured crawlers as MCP tools: start and watch crawl sessions,
// look up stored references, and search imported documents
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		cfg.Version,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_crawlers",
		mcp.WithDescription("List the configured crawlers with their last session and any running job"),
	), s.handleListCrawlers)

	s.mcpServer.AddTool(mcp.NewTool("start_crawl",
		mcp.WithDescription("Start a background crawl session for a configured crawler. Returns immediately with a job ID."),
		mcp.WithString("crawler_key",
			mcp.Required(),
			mcp.Description("Crawler key from the config file"),
		),
		mcp.WithBoolean("resume",
			mcp.Description("Continue the interrupted session instead of starting a new one"),
		),
	), s.handleStartCrawl)

	s.mcpServer.AddTool(mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and progress of a crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_crawl"),
		),
	), s.handleGetJobStatus)

	s.mcpServer.AddTool(mcp.NewTool("cancel_job",
		mcp.WithDescription("Stop a crawl job. References already being processed finish, the rest stay queued for resume."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_crawl"),
		),
	), s.handleCancelJob)

	s.mcpServer.AddTool(mcp.NewTool("get_reference",
		mcp.WithDescription("Look up the stored lifecycle record of a URL in a crawler's reference database"),
		mcp.WithString("crawler_key",
			mcp.Required(),
			mcp.Description("Crawler key from the config file"),
		),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to look up; it is normalized the way the crawler does"),
		),
	), s.handleGetReference)

	s.mcpServer.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Search imported documents by URL and body text"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query (case-insensitive substring match)"),
		),
		mcp.WithString("crawler_key",
			mcp.Description("Limit search to one crawler (optional)"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of results to return (default: 10, max: 100)"),
		),
	), s.handleSearchDocuments)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return server.NewSSEServer(s.mcpServer).Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels every running job
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
