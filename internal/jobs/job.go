// Package jobs runs queued background work (notification delivery) by
// polling a job store on a fixed interval.
package jobs

import (
	"context"
	"time"
)

// Kind selects the handler of a job.
type Kind string

const (
	KindSendMail Kind = "send-mail"
	KindSendPush Kind = "send-push"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID        string            `bson:"_id" json:"id"`
	Kind      Kind              `bson:"kind" json:"kind"`
	UserID    string            `bson:"userId" json:"userId"`
	Email     string            `bson:"email,omitempty" json:"email,omitempty"`
	Title     string            `bson:"title" json:"title"`
	Body      string            `bson:"body" json:"body"`
	Data      map[string]string `bson:"data,omitempty" json:"data,omitempty"`
	Status    Status            `bson:"status" json:"status"`
	Attempts  int               `bson:"attempts" json:"attempts"`
	RunAt     time.Time         `bson:"runAt" json:"runAt"`
	LastError string            `bson:"lastError,omitempty" json:"lastError,omitempty"`
	CreatedAt time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// Store persists jobs.
type Store interface {
	// Enqueue stores a pending job. Empty ID and zero RunAt are filled in.
	Enqueue(ctx context.Context, job *Job) error
	// Claim moves the oldest due job to running, incrementing its attempts,
	// and returns it. A job is due when it is pending with runAt <= now, or
	// running with updatedAt before staleBefore (its runner went away).
	// It returns nil when nothing is due.
	Claim(ctx context.Context, now, staleBefore time.Time) (*Job, error)
	// Complete marks a job done.
	Complete(ctx context.Context, id string) error
	// Retry puts a job back to pending, due at runAt.
	Retry(ctx context.Context, id, lastError string, runAt time.Time) error
	// Fail marks a job permanently failed.
	Fail(ctx context.Context, id, lastError string) error
}

// Handler performs jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }
