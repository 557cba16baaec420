package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	applog "github.com/Sriram-PR/politecrawler/pkg/log"
	"github.com/Sriram-PR/politecrawler/pkg/mcp"
)

// runMcpServer handles the mcp subcommand
func runMcpServer(args []string) int {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: politecrawler mcp [options]

Start an MCP (Model Context Protocol) server exposing the configured crawlers.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  politecrawler mcp -config config.yaml
  politecrawler mcp -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_crawlers     List configured crawlers and their last session
  start_crawl       Start a background crawl session
  get_job_status    Progress of a crawl job
  cancel_job        Stop a crawl job, leaving it resumable
  get_reference     Stored lifecycle record of a URL
  search_documents  Search imported documents
`)
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr)
}

// doMcpServer runs the MCP server until its transport closes. Returns the exit code.
func doMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) int {
	// stdout carries the protocol
	log, warnings := applog.NewLogger(logLevel, applog.FormatText, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}

	appCfg, _, err := loadForRun(configPath, nil, true, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: configPath,
		Version:    version,
		Transport:  transport,
		Port:       port,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}
	defer server.Shutdown(context.Background())

	log.Infof("Starting MCP server (transport: %s)", transport)
	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
