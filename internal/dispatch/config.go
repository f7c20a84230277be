package dispatch

import (
	"fmt"
	"time"
)

// QueuePolicy decides what happens when a bounded queue is full.
type QueuePolicy string

const (
	// PolicyReject fails the submission with ErrQueueFull.
	PolicyReject QueuePolicy = "reject"
	// PolicyBlock makes the submitter wait for a free slot.
	PolicyBlock QueuePolicy = "block"
)

// Config holds the dispatcher configuration.
type Config struct {
	// NumWorkers is the fixed number of workers, one ProcessingUnit each.
	NumWorkers int

	// MaxAttempts is how many times a task is processed before its last
	// failure is reported.
	MaxAttempts int

	// RetryDelay is the pause between two attempts of the same task.
	RetryDelay time.Duration

	// RetryTerminal keeps retrying failures the engine marks as terminal.
	// Off by default, so an undecodable image gets a single attempt; set it
	// to restore the legacy behaviour of retrying every failure MaxAttempts
	// times.
	RetryTerminal bool

	// QueueCapacity bounds the number of queued tasks. 0 means unbounded.
	QueueCapacity int

	// QueuePolicy applies when QueueCapacity is reached.
	QueuePolicy QueuePolicy

	// ResultTTL is how long an unclaimed result may stay in the store.
	ResultTTL time.Duration

	// SweepInterval is how often expired results are evicted. 0 disables sweeping.
	SweepInterval time.Duration
}

// DefaultConfig returns the reference configuration: 4 workers, 3 attempts
// 200ms apart, an unbounded queue.
func DefaultConfig() Config {
	return Config{
		NumWorkers:    4,
		MaxAttempts:   3,
		RetryDelay:    200 * time.Millisecond,
		QueuePolicy:   PolicyReject,
		ResultTTL:     5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.NumWorkers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	}
	switch c.QueuePolicy {
	case PolicyReject, PolicyBlock:
	default:
		return fmt.Errorf("unknown queue policy %q (use %q or %q)", c.QueuePolicy, PolicyReject, PolicyBlock)
	}
	if c.SweepInterval > 0 && c.ResultTTL <= 0 {
		return fmt.Errorf("result ttl must be positive when sweeping is enabled")
	}
	return nil
}
