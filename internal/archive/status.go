package archive

import (
	"sync"
	"time"
)

// SessionStatus is the externally visible part of a CaptureSession.
type SessionStatus struct {
	ID        string    `json:"id"`
	Bucket    BucketID  `json:"bucket"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is the controller state published after every tick.
type Snapshot struct {
	Bucket    BucketID           `json:"bucket"`
	Capture   *SessionStatus     `json:"capture"`
	Jobs      []ConsolidationJob `json:"consolidations"`
	Restarts  int                `json:"restarts"`
	Rollovers int                `json:"rollovers"`
	LastTick  time.Time          `json:"last_tick"`
	LastSweep time.Time          `json:"last_sweep"`
	LastError string             `json:"last_error,omitempty"`
}

// StatusBoard is the concurrency-safe hand-off of controller state to readers
// on other goroutines. The controller is the only writer.
type StatusBoard struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{}
}

// Publish replaces the current snapshot.
func (b *StatusBoard) Publish(s Snapshot) {
	s = s.clone()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = s
}

// Snapshot returns a copy of the latest published state.
func (b *StatusBoard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.clone()
}

// CaptureUp reports whether the last snapshot had a running capture.
func (b *StatusBoard) CaptureUp() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.Capture != nil
}

// ActiveJobs returns the number of running consolidations in the last snapshot.
func (b *StatusBoard) ActiveJobs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snap.Jobs)
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Capture != nil {
		c := *s.Capture
		out.Capture = &c
	}
	if s.Jobs != nil {
		out.Jobs = append([]ConsolidationJob(nil), s.Jobs...)
	}
	return out
}
