// ABOUTME: Job-submission seam between the real-time core and the background queue
// ABOUTME: Payload handling lives in the excluded job workers; the core only enqueues

package jobs

import (
	"context"
	"sync"
	"time"
)

// Job types the real-time core submits.
const (
	TypeEscalationDigest = "escalation_digest_email"
)

// Job is a unit of background work handed to the platform's job queue.
type Job struct {
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Submitter accepts jobs for asynchronous processing. The production
// implementation wraps the platform's queue; MemorySubmitter backs tests.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// MemorySubmitter records submitted jobs in memory.
type MemorySubmitter struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemorySubmitter creates an empty MemorySubmitter.
func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{}
}

// Submit implements Submitter.
func (m *MemorySubmitter) Submit(_ context.Context, job Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

// Jobs returns a snapshot of everything submitted so far.
func (m *MemorySubmitter) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}
