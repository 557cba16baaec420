package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	applog "github.com/Sriram-PR/politecrawler/pkg/log"
	"github.com/Sriram-PR/politecrawler/pkg/metrics"
	"github.com/Sriram-PR/politecrawler/pkg/orchestrate"
	"github.com/Sriram-PR/politecrawler/pkg/utils"
	"github.com/Sriram-PR/politecrawler/pkg/watch"
)

const version = "0.4.0"

// shutdownGrace is how long a signalled crawl may take to stop before the process exits
const shutdownGrace = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		os.Exit(runCrawl(os.Args[2:], false))
	case "resume":
		os.Exit(runCrawl(os.Args[2:], true))
	case "watch":
		os.Exit(runWatch(os.Args[2:]))
	case "validate":
		runValidate(os.Args[2:])
	case "list-crawlers":
		runListCrawlers(os.Args[2:])
	case "mcp":
		os.Exit(runMcpServer(os.Args[2:]))
	case "version":
		fmt.Printf("politecrawler %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `politecrawler - Polite, resumable web crawler

Usage:
  politecrawler <command> [options]

Commands:
  crawl          Start a new crawl session
  resume         Resume an interrupted crawl session
  watch          Re-crawl on a fixed interval
  validate       Validate configuration file
  list-crawlers  List configured crawlers
  mcp            Serve the crawlers as MCP tools (stdio or SSE)
  version        Show version info

Run 'politecrawler <command> -h' for command-specific help.`)
}

// selection holds the crawler selection and logging flags shared by crawl, resume and watch
type selection struct {
	configFile  *string
	crawlerKey  *string
	crawlerKeys *string
	all         *bool
	logLevel    *string
	logFormat   *string
	metricsAddr *string
}

func addSelectionFlags(fs *flag.FlagSet) selection {
	return selection{
		configFile:  fs.String("config", "config.yaml", "Path to config file"),
		crawlerKey:  fs.String("crawler", "", "Crawler key from config (single crawler)"),
		crawlerKeys: fs.String("crawlers", "", "Comma-separated crawler keys to run in parallel"),
		all:         fs.Bool("all-crawlers", false, "Run all configured crawlers in parallel"),
		logLevel:    fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)"),
		logFormat:   fs.String("logformat", applog.FormatText, "Log format (text, json)"),
		metricsAddr: fs.String("metrics", "", "Serve Prometheus metrics on this address, e.g. localhost:9090 (disabled by default)"),
	}
}

// keys returns the selected crawler keys; nil with all=true means every configured crawler
func (s selection) keys() ([]string, error) {
	switch {
	case *s.all:
		return nil, nil
	case *s.crawlerKeys != "":
		return splitKeys(*s.crawlerKeys), nil
	case *s.crawlerKey != "":
		return []string{*s.crawlerKey}, nil
	}
	return nil, errors.New("one of -crawler, -crawlers, or --all-crawlers is required")
}

func splitKeys(list string) []string {
	var keys []string
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// runCrawl handles both crawl and resume subcommands. Returns the exit code.
func runCrawl(args []string, isResume bool) int {
	cmdName := "crawl"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	sel := addSelectionFlags(fs)
	reset := fs.Bool("reset", false, "Delete stored crawl state first (crawl only)")
	writeReferenceLog := fs.Bool("write-reference-log", false, "Write the reference log of every crawler on completion")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: politecrawler %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  politecrawler %s -crawler docs\n", cmdName)
		fmt.Fprintf(os.Stderr, "  politecrawler %s -crawlers docs,blog\n", cmdName)
		fmt.Fprintf(os.Stderr, "  politecrawler %s --all-crawlers\n", cmdName)
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	keys, err := sel.keys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 1
	}
	if isResume && *reset {
		fmt.Fprintln(os.Stderr, "Error: -reset cannot be combined with resume")
		return 1
	}

	log := setupLogger(*sel.logLevel, *sel.logFormat)
	appCfg, keys, err := loadForRun(*sel.configFile, keys, *sel.all, log)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	if *writeReferenceLog {
		appCfg.WriteReferenceLog = true
	}
	logAppConfig(appCfg, log)

	ctx, stop := signalContext(log)
	defer stop()
	if appCfg.GlobalCrawlTimeout > 0 {
		log.Infof("Setting global crawl timeout: %v", appCfg.GlobalCrawlTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, appCfg.GlobalCrawlTimeout)
		defer cancel()
	}

	m := startMetrics(ctx, *sel.metricsAddr, log)
	orch := orchestrate.NewOrchestrator(appCfg, keys, orchestrate.Options{
		Resume:  isResume,
		Reset:   *reset,
		Metrics: m,
	}, log.WithField("component", "orchestrator"))
	results := orch.Run(ctx)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Error("Crawl timed out (global timeout). Run 'resume' to continue.")
		return 1
	case ctx.Err() != nil:
		log.Warn("Crawl cancelled gracefully. Run 'resume' to continue.")
		return 0
	}
	for _, r := range results {
		if !r.Success {
			return 1
		}
	}
	log.Info("Crawl completed successfully.")
	return 0
}

// runWatch handles the watch subcommand. Returns the exit code.
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	sel := addSelectionFlags(fs)
	interval := fs.String("interval", "24h", "Crawl interval (e.g., 30m, 1h, 24h, 7d)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: politecrawler watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  politecrawler watch -crawler docs --interval 24h\n")
		fmt.Fprintf(os.Stderr, "  politecrawler watch --all-crawlers --interval 6h\n")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	keys, err := sel.keys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 1
	}

	log := setupLogger(*sel.logLevel, *sel.logFormat)
	every, err := utils.ParseInterval(*interval)
	if err != nil || every <= 0 {
		log.Errorf("Invalid interval '%s': %v", *interval, err)
		return 1
	}

	appCfg, keys, err := loadForRun(*sel.configFile, keys, *sel.all, log)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}

	ctx, stop := signalContext(log)
	defer stop()

	m := startMetrics(ctx, *sel.metricsAddr, log)
	scheduler := watch.NewScheduler(appCfg, keys, every, orchestrate.Options{Metrics: m}, log.WithField("component", "orchestrator"))
	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return 1
	}
	log.Info("Watch mode stopped")
	return 0
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. A second signal, or a
// shutdown outlasting shutdownGrace, exits the process.
func signalContext(log *logrus.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(shutdownGrace):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// startMetrics serves Prometheus metrics when addr is set. Returns nil otherwise.
func startMetrics(ctx context.Context, addr string, log *logrus.Logger) *metrics.Metrics {
	if addr == "" {
		return nil
	}
	m := metrics.New()
	metricsLog := log.WithField("component", "metrics")
	go func() {
		if err := m.Serve(ctx, addr, metricsLog); err != nil {
			metricsLog.Errorf("Metrics server error: %v", err)
		}
	}()
	return m
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	crawlerKey := fs.String("crawler", "", "Crawler key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: politecrawler validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, *crawlerKey, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, crawlerKey string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	keys := orchestrate.GetAllCrawlerKeys(appCfg)
	if crawlerKey != "" {
		if _, ok := appCfg.Crawlers[crawlerKey]; !ok {
			fmt.Fprintf(stderr, "Error: crawler '%s' not found in config\n", crawlerKey)
			return 1
		}
		keys = []string{crawlerKey}
	}

	hasError := false
	for _, key := range keys {
		crawlerCfg := appCfg.Crawlers[key]
		crawlerWarnings, err := crawlerCfg.Validate()
		for _, w := range crawlerWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListCrawlers handles the list-crawlers subcommand
func runListCrawlers(args []string) {
	fs := flag.NewFlagSet("list-crawlers", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: politecrawler list-crawlers [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doListCrawlers(*configFile, os.Stdout, os.Stderr))
}

// doListCrawlers lists crawlers and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListCrawlers(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Crawlers in %s:\n\n", configPath)
	for _, key := range orchestrate.GetAllCrawlerKeys(appCfg) {
		c := appCfg.Crawlers[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		if c.Scope.AllowedDomain != "" {
			fmt.Fprintf(stdout, "    Domain: %s\n", c.Scope.AllowedDomain)
		}
		fmt.Fprintf(stdout, "    Start URLs: %d\n", len(c.StartURLs))
		if len(c.Sitemaps) > 0 {
			fmt.Fprintf(stdout, "    Sitemaps: %d\n", len(c.Sitemaps))
		}
		if c.Scope.AllowedPathPrefix != "" && c.Scope.AllowedPathPrefix != "/" {
			fmt.Fprintf(stdout, "    Path Prefix: %s\n", c.Scope.AllowedPathPrefix)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// setupLogger creates the process logger, reporting fallbacks as warnings
func setupLogger(level, format string) *logrus.Logger {
	log, warnings := applog.NewLogger(level, format, os.Stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	log.Debugf("Log level: %s", log.GetLevel())
	return log
}

// loadForRun loads and validates the config and the selected crawlers.
// Validated crawler configs are stored back so their compiled patterns are kept.
func loadForRun(configFile string, keys []string, all bool, log *logrus.Logger) (*config.AppConfig, []string, error) {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, nil, err
	}

	if all {
		keys = orchestrate.GetAllCrawlerKeys(appCfg)
		log.Infof("All crawlers mode: found %d crawlers", len(keys))
	}
	if len(keys) == 0 {
		return nil, nil, errors.New("no crawlers selected")
	}
	if err := orchestrate.ValidateCrawlerKeys(appCfg, keys); err != nil {
		return nil, nil, err
	}

	for _, key := range keys {
		crawlerCfg := appCfg.Crawlers[key]
		warnings, err := crawlerCfg.Validate()
		if err != nil {
			return nil, nil, fmt.Errorf("crawler '%s': %w", key, err)
		}
		for _, w := range warnings {
			log.Warnf("[%s] %s", key, w)
		}
		appCfg.Crawlers[key] = crawlerCfg
	}
	return appCfg, keys, nil
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: Workers:%d, MaxReqs:%d, MaxReqPerHost:%d, MaxReqPerSecond:%.2f",
		appCfg.NumWorkers, appCfg.MaxRequests, appCfg.MaxRequestsPerHost, appCfg.MaxRequestsPerSecond)
	log.Infof("Global Config: DefaultDelay:%v, DelayScope:%s, StateDir:%s, OutputDir:%s",
		appCfg.Delay.Default, appCfg.Delay.Scope, appCfg.StateDir, appCfg.OutputBaseDir)
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Timeouts: SemaphoreAcquire:%v, GlobalCrawl:%v",
		appCfg.SemaphoreAcquireTimeout, appCfg.GlobalCrawlTimeout)
	log.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
	log.Infof("Global Config Output: ImportBody:%t, WriteReferenceLog:%t, MaxBodyBytes:%d",
		appCfg.ImportBody, appCfg.WriteReferenceLog, appCfg.MaxBodyBytes)
}
