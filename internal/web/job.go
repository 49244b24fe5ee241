package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staydesk/staydesk/internal/nlp"
)

// JobStatus represents the status of a background batch job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a background batch processing job
type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	Progress    int          `json:"progress"`
	Processed   int          `json:"processed"`
	Total       int          `json:"total"`
	Escalated   int          `json:"escalated"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Results     []nlp.Result `json:"results"`

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// Add appends finished results and updates progress
func (j *Job) Add(results ...nlp.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Results = append(j.Results, results...)
	j.Processed += len(results)
	for _, r := range results {
		if r.Escalate {
			j.Escalated++
		}
	}
	if j.Total > 0 {
		j.Progress = (j.Processed * 100) / j.Total
	}
}

// Complete marks the job as completed unless it was cancelled
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = time.Now()
	j.Progress = 100
	if j.cancelFunc != nil {
		j.cancelFunc()
	}
}

// Cancel cancels the job; results already produced are kept
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == JobStatusRunning {
		j.Status = JobStatusCancelled
		j.CompletedAt = time.Now()
		if j.cancelFunc != nil {
			j.cancelFunc()
		}
	}
}

// IsCancelled returns true if the job was cancelled
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusCancelled
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// ToJSON returns the job data for JSON serialization. Results and
// statistics are only included once the job has stopped.
func (j *Job) ToJSON() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := map[string]interface{}{
		"id":         j.ID,
		"status":     j.Status,
		"progress":   j.Progress,
		"processed":  j.Processed,
		"total":      j.Total,
		"escalated":  j.Escalated,
		"started_at": j.StartedAt,
	}
	if j.Status != JobStatusRunning {
		results := make([]nlp.Result, len(j.Results))
		copy(results, j.Results)
		out["completed_at"] = j.CompletedAt
		out["results"] = results
		out["stats"] = nlp.Summarize(results)
	}
	return out
}

// JobManager manages background jobs
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
	}
}

// Create creates a new job with the given total count
func (jm *JobManager) Create(total int) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	return jm.create(total)
}

// CreateIfBelow creates a job only while fewer than limit jobs are running.
// The count and the insert happen under one lock.
func (jm *JobManager) CreateIfBelow(total, limit int) (*Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.active() >= limit {
		return nil, false
	}
	return jm.create(total), true
}

func (jm *JobManager) create(total int) *Job {
	ctx, cancel := context.WithCancel(context.Background())

	job := &Job{
		ID:         uuid.New().String(),
		Status:     JobStatusRunning,
		Total:      total,
		StartedAt:  time.Now(),
		Results:    make([]nlp.Result, 0, total),
		ctx:        ctx,
		cancelFunc: cancel,
	}

	jm.jobs[job.ID] = job
	return job
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.jobs[id]
}

// Active returns the number of running jobs
func (jm *JobManager) Active() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.active()
}

func (jm *JobManager) active() int {
	n := 0
	for _, job := range jm.jobs {
		job.mu.Lock()
		if job.Status == JobStatusRunning {
			n++
		}
		job.mu.Unlock()
	}
	return n
}

// Cleanup removes stopped jobs older than the specified duration
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		job.mu.Lock()
		stale := job.Status != JobStatusRunning && job.CompletedAt.Before(cutoff)
		job.mu.Unlock()
		if stale {
			delete(jm.jobs, id)
		}
	}
}
