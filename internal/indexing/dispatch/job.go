package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// jobNamespace seeds deterministic job ids so the same event always maps to the same job.
var jobNamespace = uuid.MustParse("5b0c7e0e-3f0c-4d57-9b7e-7d1d2c9a4e10")

// Job is one queued live event.
type Job struct {
	ID         string            `json:"id"`
	ChainID    string            `json:"chain_id"`
	Priority   uint64            `json:"priority"`
	Attempts   int               `json:"attempts"`
	Event      domain.ChainEvent `json:"event"`
	ReceivedAt time.Time         `json:"received_at"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	LastError  string            `json:"last_error,omitempty"`
	FailedAt   *time.Time        `json:"failed_at,omitempty"`
}

// NewJob wraps a live event in a job.
func NewJob(qe domain.QueuedEvent) *Job {
	key := qe.Event.Key(qe.ChainID)
	return &Job{
		ID:         uuid.NewSHA1(jobNamespace, []byte(key.String())).String(),
		ChainID:    qe.ChainID,
		Priority:   Priority(qe.Event.Ref.BlockNumber, qe.Event.Ref.LogIndex),
		Event:      qe.Event,
		ReceivedAt: qe.ReceivedAt,
		EnqueuedAt: time.Now(),
	}
}

// QueuedEvent returns the event the job carries.
func (j *Job) QueuedEvent() domain.QueuedEvent {
	return domain.QueuedEvent{ChainID: j.ChainID, Event: j.Event, ReceivedAt: j.ReceivedAt}
}

func (j *Job) clone() *Job {
	c := *j
	if j.FailedAt != nil {
		t := *j.FailedAt
		c.FailedAt = &t
	}
	return &c
}

func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
