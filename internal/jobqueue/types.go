package jobqueue

import (
	"context"
	"time"
)

// Job is one persisted delayed dispatch. The key is the identity: a later
// submission with the same key replaces the earlier job.
type Job struct {
	Key       string
	FireAt    time.Time
	Payload   []byte
	CreatedAt time.Time
}

// Store persists jobs so pending work survives a restart. Implementations
// must treat DeleteJob of an unknown key as a no-op.
type Store interface {
	UpsertJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, key string) error
	PendingJobs(ctx context.Context) ([]Job, error)
}

// Handler executes a fired job. A nil return removes the job; an error
// triggers the retry policy.
type Handler func(ctx context.Context, job Job) error

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}
