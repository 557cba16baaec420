// Package watch re-runs crawlers on a fixed interval, remembering the last run of each
// across restarts.
package watch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/config"
	"github.com/Sriram-PR/politecrawler/pkg/orchestrate"
)

// RunFunc runs one session for each of the given crawlers
type RunFunc func(ctx context.Context, crawlerKeys []string) []orchestrate.CrawlerResult

// Scheduler manages periodic crawling
type Scheduler struct {
	crawlerKeys  []string
	interval     time.Duration
	log          *logrus.Entry
	stateManager *StateManager
	run          RunFunc
}

// NewScheduler creates a watch scheduler running due crawlers through an Orchestrator
func NewScheduler(appCfg *config.AppConfig, crawlerKeys []string, interval time.Duration, opts orchestrate.Options, log *logrus.Entry) *Scheduler {
	run := func(ctx context.Context, keys []string) []orchestrate.CrawlerResult {
		return orchestrate.NewOrchestrator(appCfg, keys, opts, log).Run(ctx)
	}
	return NewSchedulerWithRunner(appCfg.StateDir, crawlerKeys, interval, run, log)
}

// NewSchedulerWithRunner creates a watch scheduler with a custom run function
func NewSchedulerWithRunner(stateDir string, crawlerKeys []string, interval time.Duration, run RunFunc, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		crawlerKeys:  crawlerKeys,
		interval:     interval,
		log:          log.WithField("component", "watch"),
		stateManager: NewStateManager(stateDir),
		run:          run,
	}
}

// Run starts the watch scheduler and blocks until ctx is cancelled.
// Due crawlers run to completion before the next check, so a crawler never overlaps itself.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d crawlers with interval %v", len(s.crawlerKeys), FormatInterval(s.interval))
	s.logSchedule()

	s.runDue(ctx)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs all crawlers that are due and records their results
func (s *Scheduler) runDue(ctx context.Context) {
	due := s.dueCrawlers()
	if len(due) == 0 {
		s.logNextRun()
		return
	}

	s.log.Infof("Running crawl for %d due crawlers: %v", len(due), due)
	results := s.run(ctx, due)
	if ctx.Err() != nil {
		// Interrupted sessions are not recorded as runs
		s.log.Info("Watch run interrupted, not recording results")
		return
	}

	for _, result := range results {
		state := CrawlerState{
			LastRunSuccess: result.Success,
			Processed:      result.Processed,
			DocsImported:   result.DocsImported,
		}
		if result.Error != nil {
			state.ErrorMessage = result.Error.Error()
		}
		s.stateManager.UpdateCrawlerState(result.CrawlerKey, state)
	}

	if err := s.stateManager.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
}

// dueCrawlers returns the crawlers due for a run
func (s *Scheduler) dueCrawlers() []string {
	var due []string
	for _, key := range s.crawlerKeys {
		if s.stateManager.ShouldRun(key, s.interval) {
			due = append(due, key)
		}
	}
	return due
}

// tickInterval returns how often to check for due crawlers
func (s *Scheduler) tickInterval() time.Duration {
	// Check at least every minute, or every 1/10th of the interval
	return min(max(s.interval/10, time.Minute), 10*time.Minute)
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, key := range s.crawlerKeys {
		state, exists := s.stateManager.GetCrawlerState(key)
		if !exists {
			s.log.Infof("  %s: never run, will run immediately", key)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %v (%s, %d documents), next run %v",
			key,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.DocsImported,
			s.stateManager.GetNextRunTime(key, s.interval).Format(time.RFC3339))
	}
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	if len(s.crawlerKeys) == 0 {
		return
	}
	next := slices.MinFunc(s.crawlerKeys, func(a, b string) int {
		return s.stateManager.GetNextRunTime(a, s.interval).Compare(s.stateManager.GetNextRunTime(b, s.interval))
	})
	at := s.stateManager.GetNextRunTime(next, s.interval)
	until := max(time.Until(at), 0)
	s.log.Infof("Next crawl: %s in %v (at %s)", next, until.Round(time.Second), at.Format("15:04:05"))
}

// GetStatus returns the current status of all watched crawlers
func (s *Scheduler) GetStatus() map[string]CrawlerStatus {
	status := make(map[string]CrawlerStatus, len(s.crawlerKeys))
	for _, key := range s.crawlerKeys {
		state, exists := s.stateManager.GetCrawlerState(key)
		status[key] = CrawlerStatus{
			CrawlerKey:   key,
			CrawlerState: state,
			NextRunTime:  s.stateManager.GetNextRunTime(key, s.interval),
			NeverRun:     !exists,
		}
	}
	return status
}

// CrawlerStatus contains the status of a watched crawler
type CrawlerStatus struct {
	CrawlerKey string
	CrawlerState
	NextRunTime time.Time
	NeverRun    bool
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}
