package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
)

// AnalysisJob is the progress of one session's current analysis, polled by
// the upload page while the analyze request is still open.
type AnalysisJob struct {
	ID         string    `json:"jobId"`
	SourceName string    `json:"sourceName"`
	Status     string    `json:"status"`
	Step       string    `json:"step,omitempty"`
	Message    string    `json:"message,omitempty"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Percent    int       `json:"percent"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProgressBoard holds at most one job per session. A session with a job in
// processing state cannot start another one.
type ProgressBoard struct {
	mu   sync.RWMutex
	jobs map[string]*AnalysisJob
}

func NewProgressBoard() *ProgressBoard {
	return &ProgressBoard{
		jobs: make(map[string]*AnalysisJob),
	}
}

// Start registers a new job for the session. It returns false, with the
// running job, when the session is already analyzing.
func (b *ProgressBoard) Start(sessionID, sourceName string) (*AnalysisJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job, ok := b.jobs[sessionID]; ok && job.Status == JobStatusProcessing {
		return job.clone(), false
	}
	now := time.Now().UTC()
	job := &AnalysisJob{
		ID:         uuid.NewString(),
		SourceName: sourceName,
		Status:     JobStatusProcessing,
		Message:    "Starting",
		Total:      100,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.jobs[sessionID] = job
	return job.clone(), true
}

func (b *ProgressBoard) Get(sessionID string) (*AnalysisJob, bool) {
	b.mu.RLock()
	job, ok := b.jobs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Busy reports whether the session has an analysis in flight.
func (b *ProgressBoard) Busy(sessionID string) bool {
	job, ok := b.Get(sessionID)
	return ok && job.Status == JobStatusProcessing
}

func (b *ProgressBoard) Update(sessionID, step, message string, current, total int) {
	b.withJob(sessionID, func(job *AnalysisJob) {
		// Slides finish out of order; never move the bar backwards.
		if p := percent(current, total); p >= job.Percent {
			job.Step = step
			job.Message = message
			job.Current = current
			job.Total = total
			job.Percent = p
		}
	})
}

func (b *ProgressBoard) Complete(sessionID string) {
	b.withJob(sessionID, func(job *AnalysisJob) {
		job.Status = JobStatusComplete
		job.Step = "complete"
		job.Message = "Analysis complete"
		job.Current = 100
		job.Total = 100
		job.Percent = 100
	})
}

func (b *ProgressBoard) Fail(sessionID, message string) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "analysis failed"
	}
	b.withJob(sessionID, func(job *AnalysisJob) {
		job.Status = JobStatusFailed
		job.Step = "error"
		job.Message = msg
		job.Error = msg
	})
}

// Remove forgets the session's job.
func (b *ProgressBoard) Remove(sessionID string) {
	b.mu.Lock()
	delete(b.jobs, sessionID)
	b.mu.Unlock()
}

func (b *ProgressBoard) withJob(sessionID string, fn func(job *AnalysisJob)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[sessionID]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (job *AnalysisJob) clone() *AnalysisJob {
	if job == nil {
		return nil
	}
	c := *job
	return &c
}

func percent(current, total int) int {
	if total <= 0 {
		if current <= 0 {
			return 0
		}
		if current > 100 {
			return 100
		}
		return current
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int((float64(current) / float64(total)) * 100)
}
