package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStopped resolves a session aborted by Stop.
	ErrStopped = errors.New("stream stopped")
	// ErrIdleTimeout resolves a session whose buffer stayed empty too long.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrSuperseded resolves a session replaced by a newer StartSend.
	ErrSuperseded = errors.New("stream superseded by new session")
)

// Outcome names how a session ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeStopped     Outcome = "stopped"
	OutcomeIdleTimeout Outcome = "idle_timeout"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeFailed      Outcome = "failed"
)

// OutcomeOf maps a completion error to its outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrStopped):
		return OutcomeStopped
	case errors.Is(err, ErrIdleTimeout):
		return OutcomeIdleTimeout
	case errors.Is(err, ErrSuperseded):
		return OutcomeSuperseded
	default:
		return OutcomeFailed
	}
}

// SessionStats summarizes what a session put on the wire.
type SessionStats struct {
	SessionID    string    `json:"session_id"`
	Frames       int       `json:"frames"`
	PayloadBytes int       `json:"payload_bytes"`
	ChunkEnds    int       `json:"chunk_ends"`
	Marker       string    `json:"marker,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Completion is a one-shot signal fulfilled when a session ends.
type Completion struct {
	once  sync.Once
	done  chan struct{}
	err   error
	stats SessionStats
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed once the session has ended.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the session result: nil after a terminal marker was flushed,
// otherwise why the session ended. It is nil while the session is running.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Stats returns the final session statistics once Done is closed.
func (c *Completion) Stats() SessionStats {
	select {
	case <-c.done:
		return c.stats
	default:
		return SessionStats{}
	}
}

// Wait blocks until the session ends or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) resolve(err error, stats SessionStats) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		c.stats = stats
		close(c.done)
		resolved = true
	})
	return resolved
}
