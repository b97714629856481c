package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

// callLog records the order of calls across fakes.
type callLog struct {
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) take() []string {
	out := l.calls
	l.calls = nil
	return out
}

type fakeCapture struct {
	log      *callLog
	alive    map[*CaptureSession]bool
	exitCode int
	startErr error
	stopErr  error
	live     int
	maxLive  int
	nextPID  int
}

func newFakeCapture(log *callLog) *fakeCapture {
	return &fakeCapture{log: log, alive: map[*CaptureSession]bool{}, nextPID: 100}
}

func (f *fakeCapture) Start(bucket BucketID) (*CaptureSession, error) {
	f.log.add("start %s", bucket)
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextPID++
	sess := &CaptureSession{ID: fmt.Sprintf("s%d", f.nextPID), Bucket: bucket, PID: f.nextPID}
	f.alive[sess] = true
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return sess, nil
}

func (f *fakeCapture) Alive(sess *CaptureSession) (bool, int) {
	if f.alive[sess] {
		return true, 0
	}
	return false, f.exitCode
}

func (f *fakeCapture) Stop(sess *CaptureSession) error {
	f.log.add("stop %s", sess.Bucket)
	if f.stopErr != nil {
		return f.stopErr
	}
	if f.alive[sess] {
		f.alive[sess] = false
		f.live--
	}
	return nil
}

// crash marks sess as exited without a Stop call.
func (f *fakeCapture) crash(sess *CaptureSession, code int) {
	f.alive[sess] = false
	f.live--
	f.exitCode = code
}

type fakeTracker struct {
	log       *callLog
	submitErr error
	jobs      []ConsolidationJob
	polls     int
	stopped   bool
}

func (f *fakeTracker) Submit(_ context.Context, bucket BucketID) error {
	f.log.add("submit %s", bucket)
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, ConsolidationJob{Bucket: bucket})
	return nil
}

func (f *fakeTracker) Poll(context.Context) []JobResult {
	f.polls++
	return nil
}

func (f *fakeTracker) StopAll(context.Context) []JobResult {
	f.log.add("stopall")
	f.stopped = true
	var out []JobResult
	for _, j := range f.jobs {
		out = append(out, JobResult{Bucket: j.Bucket, Status: JobFailed})
	}
	f.jobs = nil
	return out
}

func (f *fakeTracker) Jobs() []ConsolidationJob { return f.jobs }

type fakeSweeper struct {
	sweeps []time.Time
}

func (f *fakeSweeper) Sweep(_ context.Context, now time.Time) (SweepResult, bool) {
	f.sweeps = append(f.sweeps, now)
	return SweepResult{}, false
}

func (f *fakeSweeper) LastSweep() time.Time { return time.Time{} }

type controllerFixture struct {
	ctrl    *Controller
	log     *callLog
	capture *fakeCapture
	tracker *fakeTracker
	sweeper *fakeSweeper
	board   *StatusBoard
	sink    *recordingSink
	now     time.Time
}

func newControllerFixture(t *testing.T, start time.Time) *controllerFixture {
	t.Helper()
	log := &callLog{}
	f := &controllerFixture{
		log:     log,
		capture: newFakeCapture(log),
		tracker: &fakeTracker{log: log},
		sweeper: &fakeSweeper{},
		board:   NewStatusBoard(),
		sink:    &recordingSink{},
		now:     start,
	}
	f.ctrl = NewController(ControllerOptions{
		TickInterval: 10 * time.Millisecond,
		Clock:        func() time.Time { return f.now },
		Capture:      f.capture,
		Consolidator: f.tracker,
		Retention:    f.sweeper,
		Board:        f.board,
		Sink:         f.sink,
		Log:          testLogger(),
	})
	return f
}

func (f *controllerFixture) tick(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func TestController_Tick_first_tick_starts_capture(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.tick(t)

	if got, want := f.log.take(), []string{"start 2026-02-07-10"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	sess := f.ctrl.session
	if sess == nil || sess.Bucket != "2026-02-07-10" {
		t.Fatalf("expected session for 2026-02-07-10, got %+v", sess)
	}
	if f.tracker.polls != 1 || len(f.sweeper.sweeps) != 1 {
		t.Errorf("expected poll and sweep every tick, got %d polls, %d sweeps", f.tracker.polls, len(f.sweeper.sweeps))
	}
	snap := f.board.Snapshot()
	if snap.Capture == nil || snap.Capture.PID != sess.PID || snap.Bucket != "2026-02-07-10" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if ev, ok := f.sink.last(EventCaptureStarted); !ok || ev.Detail != "initial" {
		t.Errorf("expected capture.started initial event, got %+v", ev)
	}
}

func TestController_Tick_running_does_nothing(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.tick(t)
	f.log.take()

	f.now = f.now.Add(10 * time.Second)
	f.tick(t)
	if got := f.log.take(); len(got) != 0 {
		t.Errorf("expected no capture calls while running, got %v", got)
	}
}

func TestController_Tick_rollover(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 9, 59))
	f.tick(t)
	old := f.ctrl.session
	f.log.take()

	f.now = utc(2026, 2, 7, 10, 0)
	f.tick(t)

	want := []string{"stop 2026-02-07-09", "submit 2026-02-07-09", "start 2026-02-07-10"}
	if got := f.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if alive, _ := f.capture.Alive(old); alive {
		t.Error("expected old session to be stopped")
	}
	if f.ctrl.session.Bucket != "2026-02-07-10" {
		t.Errorf("expected new session for 10, got %s", f.ctrl.session.Bucket)
	}
	if f.capture.maxLive != 1 {
		t.Errorf("expected at most one live capture, saw %d", f.capture.maxLive)
	}
	if snap := f.board.Snapshot(); snap.Rollovers != 1 || len(snap.Jobs) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if ev, ok := f.sink.last(EventBucketRolled); !ok || ev.Bucket != "2026-02-07-10" || ev.Detail != "2026-02-07-09" {
		t.Errorf("unexpected bucket.rolled event %+v", ev)
	}
}

func TestController_Tick_rollover_without_index(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 9, 59))
	f.tick(t)
	f.tracker.submitErr = fmt.Errorf("%w: playlist_2026-02-07-09.m3u8", ErrNoIndex)

	f.now = utc(2026, 2, 7, 10, 0)
	f.tick(t)
	if f.ctrl.session == nil || f.ctrl.session.Bucket != "2026-02-07-10" {
		t.Error("expected capture to start even when the previous bucket had no index")
	}
}

func TestController_Tick_crash_restarts_same_bucket(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.tick(t)
	f.capture.crash(f.ctrl.session, 1)
	f.log.take()

	f.now = f.now.Add(10 * time.Second)
	f.tick(t)

	want := []string{"stop 2026-02-07-10", "start 2026-02-07-10"}
	if got := f.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.tracker.jobs != nil {
		t.Errorf("expected no consolidation on crash, got %v", f.tracker.jobs)
	}
	ev, ok := f.sink.last(EventCaptureCrashed)
	if !ok || ev.ExitCode != 1 || ev.Bucket != "2026-02-07-10" {
		t.Errorf("unexpected crash event %+v", ev)
	}
	if snap := f.board.Snapshot(); snap.Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", snap.Restarts)
	}
}

func TestController_Tick_boundary_wins_over_crash(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 9, 59))
	f.tick(t)
	f.capture.crash(f.ctrl.session, 1)
	f.log.take()

	f.now = utc(2026, 2, 7, 10, 0)
	f.tick(t)

	want := []string{"stop 2026-02-07-09", "submit 2026-02-07-09", "start 2026-02-07-10"}
	if got := f.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestController_Tick_start_failure_retried(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.capture.startErr = errors.New("exec: ffmpeg not found")
	f.tick(t)
	if f.ctrl.session != nil {
		t.Fatal("expected no session after failed start")
	}
	if snap := f.board.Snapshot(); snap.LastError == "" || snap.Capture != nil {
		t.Errorf("expected last error in snapshot, got %+v", snap)
	}

	f.capture.startErr = nil
	f.log.take()
	f.now = f.now.Add(10 * time.Second)
	f.tick(t)
	if got := f.log.take(); !reflect.DeepEqual(got, []string{"start 2026-02-07-10"}) {
		t.Errorf("expected retry for same bucket, got %v", got)
	}
	if f.ctrl.session == nil {
		t.Error("expected session after retry")
	}
}

func TestController_Tick_missing_source_is_fatal(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.capture.startErr = ErrMissingStreamSource
	if err := f.ctrl.Tick(context.Background()); !errors.Is(err, ErrMissingStreamSource) {
		t.Fatalf("expected ErrMissingStreamSource, got %v", err)
	}
}

func TestController_at_most_one_session(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 8, 0))
	for i := 0; i < 60; i++ {
		f.tick(t)
		if i%7 == 3 && f.ctrl.session != nil {
			f.capture.crash(f.ctrl.session, 255)
		}
		f.now = f.now.Add(4 * time.Minute)
	}
	if f.capture.maxLive != 1 {
		t.Errorf("expected at most one live capture, saw %d", f.capture.maxLive)
	}
	submitted := map[BucketID]int{}
	for _, j := range f.tracker.jobs {
		submitted[j.Bucket]++
	}
	for b, n := range submitted {
		if n != 1 {
			t.Errorf("bucket %s submitted %d times", b, n)
		}
	}
}

func TestController_Run_shutdown(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 9, 59))
	f.tick(t)
	f.now = utc(2026, 2, 7, 10, 0)
	f.tick(t)
	f.log.take()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.ctrl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"stop 2026-02-07-10", "stopall"}
	if got := f.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.ctrl.session != nil {
		t.Error("expected no session after shutdown")
	}
	if f.capture.live != 0 {
		t.Errorf("expected no live captures, got %d", f.capture.live)
	}
	if snap := f.board.Snapshot(); snap.Capture != nil || len(snap.Jobs) != 0 {
		t.Errorf("expected empty snapshot after shutdown, got %+v", snap)
	}
}

func TestController_Run_returns_fatal_error(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.capture.startErr = ErrMissingStreamSource
	err := f.ctrl.Run(context.Background())
	if !errors.Is(err, ErrMissingStreamSource) {
		t.Fatalf("expected ErrMissingStreamSource, got %v", err)
	}
	if !f.tracker.stopped {
		t.Error("expected shutdown to run before returning")
	}
}

func TestController_Tick_rollover_waits_for_confirmed_stop(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 9, 59))
	f.tick(t)
	old := f.ctrl.session
	f.log.take()

	f.capture.stopErr = ErrStopUnconfirmed
	f.now = utc(2026, 2, 7, 10, 0)
	f.tick(t)
	if got, want := f.log.take(), []string{"stop 2026-02-07-09"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.ctrl.session != old {
		t.Error("expected the unstopped session to be kept")
	}
	if len(f.tracker.jobs) != 0 {
		t.Errorf("expected no consolidation while capture may run, got %v", f.tracker.jobs)
	}
	if snap := f.board.Snapshot(); snap.LastError == "" || snap.Bucket != "2026-02-07-09" {
		t.Errorf("expected deferred rollover in snapshot, got %+v", snap)
	}

	f.capture.stopErr = nil
	f.tick(t)
	want := []string{"stop 2026-02-07-09", "submit 2026-02-07-09", "start 2026-02-07-10"}
	if got := f.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.capture.maxLive != 1 {
		t.Errorf("expected at most one live capture, got %d", f.capture.maxLive)
	}
}

func TestController_Tick_crash_waits_for_confirmed_stop(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	f.tick(t)
	f.capture.crash(f.ctrl.session, 1)
	f.log.take()

	f.capture.stopErr = ErrStopUnconfirmed
	f.tick(t)
	if got, want := f.log.take(), []string{"stop 2026-02-07-10"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.ctrl.session == nil {
		t.Error("expected the unstopped session to be kept")
	}
}

func TestController_Tick_crash_logs_capture_output(t *testing.T) {
	f := newControllerFixture(t, utc(2026, 2, 7, 10, 5))
	var buf bytes.Buffer
	f.ctrl.log = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f.tick(t)

	sess := f.ctrl.session
	sess.output = newTailBuffer(captureTailBytes)
	sess.output.Write([]byte("Input #0, rtsp\nrtsp://cam/stream: Connection refused\n"))
	f.capture.crash(sess, 1)
	f.tick(t)

	if !strings.Contains(buf.String(), "Connection refused") {
		t.Errorf("expected crash reason in warn log, got %q", buf.String())
	}
	ev, ok := f.sink.last(EventCaptureCrashed)
	if !ok || ev.Detail != "rtsp://cam/stream: Connection refused" {
		t.Errorf("expected crash event with last output line, got %+v", ev)
	}
}
