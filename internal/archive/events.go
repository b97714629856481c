package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cctv-archiver/internal/platform/metrics"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCaptureStarted         EventType = "capture.started"
	EventCaptureCrashed         EventType = "capture.crashed"
	EventCaptureStopped         EventType = "capture.stopped"
	EventBucketRolled           EventType = "bucket.rolled"
	EventConsolidationSubmitted EventType = "consolidation.submitted"
	EventConsolidationSucceeded EventType = "consolidation.succeeded"
	EventConsolidationFailed    EventType = "consolidation.failed"
	EventConsolidationSkipped   EventType = "consolidation.skipped"
	EventRetentionDeleted       EventType = "retention.deleted"
	EventOrphansPurged          EventType = "orphans.purged"
)

// Event is a lifecycle notification. Fields that do not apply to a type are zero.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Bucket   BucketID  `json:"bucket,omitempty"`
	At       time.Time `json:"at"`
	Path     string    `json:"path,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode int       `json:"exit_code"`
	Files    int       `json:"files,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// NewEvent returns an Event of type t for bucket with a fresh ID.
func NewEvent(t EventType, bucket BucketID, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, Bucket: bucket, At: at.UTC()}
}

// EventSink receives lifecycle events.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink decouples the controller from slow sinks. Emit never blocks: when
// the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    EventSink
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// NewAsyncSink starts a delivery goroutine forwarding to next. Each delivery
// is bounded by timeout.
func NewAsyncSink(next EventSink, size int, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *AsyncSink {
	if size < 1 {
		size = 1
	}
	s := &AsyncSink{
		next:    next,
		log:     log,
		metrics: m,
		timeout: timeout,
		queue:   make(chan Event, size),
	}
	s.wg.Add(1)
	go s.deliver()
	return s
}

// Emit enqueues ev. It returns ErrSinkFull when the event was dropped.
func (s *AsyncSink) Emit(_ context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		s.metrics.IncEventsDropped()
		s.log.Warn("event dropped, buffer full", slog.String("type", string(ev.Type)), slog.String("bucket", string(ev.Bucket)))
		return ErrSinkFull
	}
}

var (
	// ErrSinkFull is returned by AsyncSink.Emit when the buffer is full.
	ErrSinkFull = errors.New("event buffer full")
	// ErrSinkClosed is returned by AsyncSink.Emit after Close.
	ErrSinkClosed = errors.New("event sink closed")
)

func (s *AsyncSink) deliver() {
	defer s.wg.Done()
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Emit(ctx, ev); err != nil {
			s.log.Warn("event delivery failed",
				slog.String("type", string(ev.Type)),
				slog.String("bucket", string(ev.Bucket)),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffered ones are delivered
// or ctx is done.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit is a best-effort helper for components: delivery errors are logged at debug.
func emit(ctx context.Context, sink EventSink, log *slog.Logger, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, ev); err != nil {
		log.Debug("event not delivered", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}
