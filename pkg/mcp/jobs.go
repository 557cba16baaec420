package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/politecrawler/pkg/orchestrate"
)

// JobStatus represents the current state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Done reports whether the status is terminal
func (s JobStatus) Done() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one background crawl session of a configured crawler
type Job struct {
	ID                  string    `json:"id"`
	CrawlerKey          string    `json:"crawler_key"`
	Status              JobStatus `json:"status"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	ReferencesProcessed int64     `json:"references_processed"`
	QueueLength         int64     `json:"queue_length"`
	DocsImported        int       `json:"documents_imported"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	Resume              bool      `json:"resume"`

	ctx    context.Context
	cancel context.CancelFunc
	orch   *orchestrate.Orchestrator // Set once the session is running
}

// JobManager tracks background crawl jobs, at most one per crawler until its session
// has closed the crawler's reference store
type JobManager struct {
	jobs      map[string]*Job
	mu        sync.RWMutex
	byCrawler map[string]string // crawlerKey -> jobID holding the crawler
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[string]*Job),
		byCrawler: make(map[string]string),
	}
}

// CreateJob creates a pending job for a crawler. If the crawler's previous job has not
// released it yet, that job is returned with created=false.
func (m *JobManager) CreateJob(crawlerKey string, resume bool) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byCrawler[crawlerKey]; ok {
		if existing := m.jobs[id]; existing != nil {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:         uuid.New().String(),
		CrawlerKey: crawlerKey,
		Status:     JobStatusPending,
		StartedAt:  time.Now(),
		Resume:     resume,
		ctx:        ctx,
		cancel:     cancel,
	}
	m.jobs[j.ID] = j
	m.byCrawler[crawlerKey] = j.ID
	return j.snapshot(), true
}

// snapshot copies the exported fields so callers never share the live record
func (j *Job) snapshot() *Job {
	cp := *j
	return &cp
}

// GetJob returns a copy of the job, nil if unknown
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[jobID]; ok {
		return j.snapshot()
	}
	return nil
}

// GetJobByCrawler returns a copy of the job holding the crawler, nil if there is none
func (m *JobManager) GetJobByCrawler(crawlerKey string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byCrawler[crawlerKey]; ok {
		if j := m.jobs[id]; j != nil {
			return j.snapshot()
		}
	}
	return nil
}

// IsRunning checks if a job still holds the crawler
func (m *JobManager) IsRunning(crawlerKey string) bool {
	return m.GetJobByCrawler(crawlerKey) != nil
}

// UpdateStatus moves a job to status. A job that already ended keeps its final status.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return
	}
	if status.Done() {
		// A terminal update means the session has returned
		m.release(j)
	}
	if j.Status.Done() {
		return
	}
	j.Status = status
	if status.Done() {
		j.CompletedAt = time.Now()
	}
	if errorMsg != "" {
		j.ErrorMessage = errorMsg
	}
}

// release frees the job's crawler for new jobs. Caller holds mu.
func (m *JobManager) release(j *Job) {
	j.cancel()
	if m.byCrawler[j.CrawlerKey] == j.ID {
		delete(m.byCrawler, j.CrawlerKey)
	}
}

// UpdateProgress updates the progress counters of a job
func (m *JobManager) UpdateProgress(jobID string, processed, queued int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok {
		j.ReferencesProcessed = processed
		j.QueueLength = queued
	}
}

// RecordResult stores the final counters of a finished session
func (m *JobManager) RecordResult(jobID string, result orchestrate.CrawlerResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok {
		j.ReferencesProcessed = result.Processed
		j.QueueLength = 0
		j.DocsImported = result.DocsImported
	}
}

// attach records the orchestrator running a job
func (m *JobManager) attach(jobID string, orch *orchestrate.Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.orch = orch
	}
}

// CancelJob cancels a pending or running job. The session stops dequeuing and
// finishes its in-flight references, so it can be resumed later. The crawler stays
// held until the session reports its end through UpdateStatus.
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status.Done() {
		return false
	}
	j.cancel()
	j.Status = JobStatusCancelled
	j.CompletedAt = time.Now()
	return true
}

// CancelAll cancels every active job
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if !j.Status.Done() {
			j.cancel()
			j.Status = JobStatusCancelled
			j.CompletedAt = time.Now()
		}
	}
}

// ListJobs returns copies of all jobs
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.snapshot())
	}
	return jobs
}

// GetContext returns the context the job's session runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if j, ok := m.jobs[jobID]; ok {
		return j.ctx
	}
	return context.Background()
}
