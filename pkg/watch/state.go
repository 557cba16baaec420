package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = "watch_state.json"

// CrawlerState is the outcome of a crawler's last completed watch run
type CrawlerState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	Processed      int64     `json:"references_processed"`
	DocsImported   int       `json:"documents_imported"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// stateFile is the on-disk layout
type stateFile struct {
	Crawlers  map[string]CrawlerState `json:"crawlers"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// StateManager remembers the last run of every watched crawler across restarts
type StateManager struct {
	path    string
	mu      sync.RWMutex
	runs    map[string]CrawlerState
	nowFunc func() time.Time
}

// NewStateManager keeps its file in stateDir, next to the crawlers' reference databases
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		path:    filepath.Join(stateDir, stateFileName),
		runs:    make(map[string]CrawlerState),
		nowFunc: time.Now,
	}
}

// Load replaces the in-memory runs with the file's. A missing file means nothing ran yet.
func (m *StateManager) Load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.mu.Lock()
		m.runs = make(map[string]CrawlerState)
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read watch state: %w", err)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse watch state '%s': %w", m.path, err)
	}
	if f.Crawlers == nil {
		f.Crawlers = make(map[string]CrawlerState)
	}
	m.mu.Lock()
	m.runs = f.Crawlers
	m.mu.Unlock()
	return nil
}

// Save writes the runs through a temporary file, so a crash keeps the previous state
func (m *StateManager) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(stateFile{Crawlers: m.runs, UpdatedAt: m.nowFunc()}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode watch state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write watch state: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace watch state: %w", err)
	}
	return nil
}

// GetCrawlerState returns the last recorded run of a crawler
func (m *StateManager) GetCrawlerState(crawlerKey string) (CrawlerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[crawlerKey]
	return state, ok
}

// UpdateCrawlerState records a finished run; a zero LastRunTime means now
func (m *StateManager) UpdateCrawlerState(crawlerKey string, state CrawlerState) {
	if state.LastRunTime.IsZero() {
		state.LastRunTime = m.nowFunc()
	}
	m.mu.Lock()
	m.runs[crawlerKey] = state
	m.mu.Unlock()
}

// GetNextRunTime returns when the crawler is due. Crawlers that never ran are due now.
func (m *StateManager) GetNextRunTime(crawlerKey string, interval time.Duration) time.Time {
	state, ok := m.GetCrawlerState(crawlerKey)
	if !ok {
		return m.nowFunc()
	}
	return state.LastRunTime.Add(interval)
}

// ShouldRun reports whether the crawler is due
func (m *StateManager) ShouldRun(crawlerKey string, interval time.Duration) bool {
	return !m.GetNextRunTime(crawlerKey, interval).After(m.nowFunc())
}

// GetAllCrawlerStates returns a copy of every recorded run
func (m *StateManager) GetAllCrawlerStates() map[string]CrawlerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.runs)
}
