package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cctv-archiver/internal/platform/metrics"
)

// CaptureRunner starts, checks and stops capture sessions. *Supervisor implements it.
type CaptureRunner interface {
	Start(bucket BucketID) (*CaptureSession, error)
	Alive(sess *CaptureSession) (alive bool, exitCode int)
	Stop(sess *CaptureSession) error
}

// Consolidator runs background transcodes of finished buckets. *Tracker implements it.
type Consolidator interface {
	Submit(ctx context.Context, bucket BucketID) error
	Poll(ctx context.Context) []JobResult
	StopAll(ctx context.Context) []JobResult
	Jobs() []ConsolidationJob
}

// RetentionPolicy expires old artifacts. *Sweeper implements it.
type RetentionPolicy interface {
	Sweep(ctx context.Context, now time.Time) (SweepResult, bool)
	LastSweep() time.Time
}

// ControllerOptions wires a Controller. Sink, Metrics and Board may be nil.
type ControllerOptions struct {
	TickInterval time.Duration
	Clock        Clock
	Capture      CaptureRunner
	Consolidator Consolidator
	Retention    RetentionPolicy
	Board        *StatusBoard
	Sink         EventSink
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// Controller owns the capture session and drives the recording lifecycle from
// a single goroutine. On every tick it rolls the capture over at hour
// boundaries, restarts it after a crash, reaps finished consolidations and
// gives the retention sweeper a chance to run.
type Controller struct {
	interval time.Duration
	clock    Clock
	capture  CaptureRunner
	tracker  Consolidator
	sweeper  RetentionPolicy
	board    *StatusBoard
	sink     EventSink
	metrics  *metrics.Metrics
	log      *slog.Logger

	session    *CaptureSession
	lastBucket BucketID
	restarts   int
	rollovers  int
	lastErr    string
}

// NewController returns a Controller that has not started capturing yet.
func NewController(opts ControllerOptions) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Board == nil {
		opts.Board = NewStatusBoard()
	}
	return &Controller{
		interval: opts.TickInterval,
		clock:    opts.Clock,
		capture:  opts.Capture,
		tracker:  opts.Consolidator,
		sweeper:  opts.Retention,
		board:    opts.Board,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		log:      opts.Log,
	}
}

// Run ticks immediately and then every TickInterval until ctx is cancelled,
// then shuts down. It returns a non-nil error only for unrecoverable
// conditions such as ErrMissingStreamSource, after shutting down.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("controller started", slog.Duration("tick", c.interval))
	for {
		if err := c.Tick(ctx); err != nil {
			c.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		select {
		case <-ctx.Done():
			c.Shutdown(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one control step. Exactly one of boundary handling, crash
// recovery or nothing happens to the capture, then consolidations are reaped
// and retention runs if due.
func (c *Controller) Tick(ctx context.Context) error {
	now := c.clock()
	bucket := CurrentBucket(now)

	var err error
	switch {
	case bucket != c.lastBucket:
		err = c.rollover(ctx, bucket, now)
	case c.session == nil:
		err = c.restart(ctx, now, -1)
	default:
		if alive, code := c.capture.Alive(c.session); !alive {
			err = c.restart(ctx, now, code)
		}
	}
	if err != nil {
		c.publish(now)
		return err
	}

	c.tracker.Poll(ctx)
	if res, ran := c.sweeper.Sweep(ctx, now); ran {
		c.log.Debug("retention sweep ran", slog.Int("scanned", res.Scanned), slog.Int("deleted", res.Deleted))
	}
	c.publish(now)
	return nil
}

func (c *Controller) rollover(ctx context.Context, bucket BucketID, now time.Time) error {
	prev := c.lastBucket
	if c.session != nil {
		if err := c.stopSession(ctx, now); err != nil {
			// prev is not submitted while its capture may still be writing.
			// The boundary is retried next tick.
			c.log.Error("rollover deferred, capture not stopped", slog.String("bucket", string(prev)), slog.Any("error", err))
			return nil
		}
	}

	reason := metrics.ReasonInitial
	if prev != "" {
		reason = metrics.ReasonRollover
		c.rollovers++
		c.metrics.IncRollovers()
		c.log.Info("bucket boundary crossed", slog.String("from", string(prev)), slog.String("to", string(bucket)))
		ev := NewEvent(EventBucketRolled, bucket, now)
		ev.Detail = string(prev)
		emit(ctx, c.sink, c.log, ev)

		// The previous bucket is submitted even if its capture had died:
		// whatever it recorded still needs consolidating.
		c.submit(ctx, prev)
	}

	c.lastBucket = bucket
	return c.start(ctx, bucket, now, reason)
}

func (c *Controller) restart(ctx context.Context, now time.Time, exitCode int) error {
	if c.session != nil {
		sess := c.session
		c.log.Warn("capture exited unexpectedly",
			slog.String("bucket", string(sess.Bucket)),
			slog.Int("pid", sess.PID),
			slog.Int("exit_code", exitCode),
			slog.String("output", sess.LastOutput(5)),
		)
		c.metrics.IncCaptureCrashes()
		ev := NewEvent(EventCaptureCrashed, sess.Bucket, now)
		ev.PID = sess.PID
		ev.ExitCode = exitCode
		ev.Detail = sess.LastOutput(1)
		emit(ctx, c.sink, c.log, ev)

		if err := c.capture.Stop(sess); err != nil {
			c.lastErr = err.Error()
			c.log.Error("restart deferred, capture not stopped", slog.String("bucket", string(sess.Bucket)), slog.Any("error", err))
			return nil
		}
		c.session = nil
		c.metrics.SetCaptureUp(false)
	}
	c.restarts++
	return c.start(ctx, c.lastBucket, now, metrics.ReasonRestart)
}

func (c *Controller) start(ctx context.Context, bucket BucketID, now time.Time, reason string) error {
	sess, err := c.capture.Start(bucket)
	if err != nil {
		c.lastErr = err.Error()
		if errors.Is(err, ErrMissingStreamSource) {
			c.log.Error("cannot capture", slog.Any("error", err))
			return err
		}
		c.log.Error("capture start failed, retrying next tick", slog.String("bucket", string(bucket)), slog.Any("error", err))
		return nil
	}
	c.session = sess
	c.lastErr = ""
	c.metrics.IncCaptureStarts(reason)
	c.metrics.SetCaptureUp(true)

	ev := NewEvent(EventCaptureStarted, bucket, now)
	ev.PID = sess.PID
	ev.Detail = reason
	emit(ctx, c.sink, c.log, ev)
	return nil
}

// stopSession stops the current capture. On error the session is kept so no
// second capture is started while it may still be running.
func (c *Controller) stopSession(ctx context.Context, now time.Time) error {
	sess := c.session
	if err := c.capture.Stop(sess); err != nil {
		c.lastErr = err.Error()
		return err
	}
	c.session = nil
	c.metrics.SetCaptureUp(false)

	ev := NewEvent(EventCaptureStopped, sess.Bucket, now)
	ev.PID = sess.PID
	emit(ctx, c.sink, c.log, ev)
	return nil
}

func (c *Controller) submit(ctx context.Context, bucket BucketID) {
	err := c.tracker.Submit(ctx, bucket)
	switch {
	case err == nil, errors.Is(err, ErrNoIndex):
	case errors.Is(err, ErrJobExists):
		c.log.Warn("consolidation already running", slog.String("bucket", string(bucket)))
	default:
		c.log.Error("consolidation submit failed", slog.String("bucket", string(bucket)), slog.Any("error", err))
	}
}

// Shutdown stops the capture session and then every running consolidation.
// After it returns no child process is left running.
func (c *Controller) Shutdown(ctx context.Context) {
	now := c.clock()
	if c.session != nil {
		if err := c.stopSession(ctx, now); err != nil {
			c.log.Error("capture may have outlived shutdown", slog.Int("pid", c.session.PID), slog.Any("error", err))
		}
	}
	interrupted := 0
	for _, res := range c.tracker.StopAll(ctx) {
		if res.Status == JobFailed {
			interrupted++
		}
	}
	c.publish(now)
	c.log.Info("controller stopped", slog.Int("interrupted_consolidations", interrupted))
}

func (c *Controller) publish(now time.Time) {
	snap := Snapshot{
		Bucket:    c.lastBucket,
		Jobs:      c.tracker.Jobs(),
		Restarts:  c.restarts,
		Rollovers: c.rollovers,
		LastTick:  now.UTC(),
		LastSweep: c.sweeper.LastSweep().UTC(),
		LastError: c.lastErr,
	}
	if c.session != nil {
		snap.Capture = &SessionStatus{
			ID:        c.session.ID,
			Bucket:    c.session.Bucket,
			PID:       c.session.PID,
			StartedAt: c.session.StartedAt,
		}
	}
	c.board.Publish(snap)
}
