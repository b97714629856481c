package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cctv-archiver/internal/platform/logger"
)

// ErrMissingStreamSource is returned by Start when no capture source is configured.
// The daemon cannot do anything useful without one.
var ErrMissingStreamSource = errors.New("stream source is not configured")

// captureTailBytes is how much recent capture stderr a session keeps for
// crash diagnostics.
const captureTailBytes = 4 << 10

// CaptureConfig configures the capture process.
type CaptureConfig struct {
	FFmpegPath     string
	Source         string
	SegmentSeconds int
	// Grace is how long Stop waits after SIGTERM before SIGKILL.
	Grace time.Duration
}

// CaptureSession is one running capture process writing into a bucket.
type CaptureSession struct {
	ID        string
	Bucket    BucketID
	StartedAt time.Time
	PID       int

	proc   *process
	stderr *logger.LineWriter
	output *tailBuffer
}

// LastOutput returns up to n trailing lines of the capture's stderr.
func (c *CaptureSession) LastOutput(n int) string {
	if c == nil || c.output == nil {
		return ""
	}
	return lastLines(c.output.String(), n)
}

// Supervisor starts, health-checks and stops capture processes.
type Supervisor struct {
	cfg    CaptureConfig
	layout Layout
	log    *slog.Logger
	clock  Clock
}

// NewSupervisor returns a Supervisor writing into layout.
func NewSupervisor(cfg CaptureConfig, layout Layout, log *slog.Logger, clock Clock) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 10
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &Supervisor{cfg: cfg, layout: layout, log: log, clock: clock}
}

// Args returns the ffmpeg arguments used to capture into bucket.
// append_list makes a restarted capture extend the bucket's index instead of
// overwriting it.
func (s *Supervisor) Args(bucket BucketID) []string {
	return []string{
		"-i", s.cfg.Source,
		"-c", "copy",
		"-map", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.cfg.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "append_list",
		"-hls_segment_filename", s.layout.SegmentPattern(bucket),
		s.layout.IndexPath(bucket),
	}
}

// Start launches a capture process for bucket as the leader of a new process group.
func (s *Supervisor) Start(bucket BucketID) (*CaptureSession, error) {
	if s.cfg.Source == "" {
		return nil, ErrMissingStreamSource
	}
	if err := os.MkdirAll(s.layout.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	log := s.log.With(slog.String("bucket", string(bucket)))
	stderr := logger.NewLineWriter(log, slog.LevelDebug, "ffmpeg capture")
	output := newTailBuffer(captureTailBytes)
	cmd := exec.Command(s.cfg.FFmpegPath, s.Args(bucket)...)
	cmd.Stderr = io.MultiWriter(stderr, output)

	proc, err := startProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("start capture for %s: %w", bucket, err)
	}
	sess := &CaptureSession{
		ID:        uuid.NewString(),
		Bucket:    bucket,
		StartedAt: s.clock().UTC(),
		PID:       proc.pid(),
		proc:      proc,
		stderr:    stderr,
		output:    output,
	}
	log.Info("capture started", slog.Int("pid", sess.PID), slog.String("session", sess.ID))
	return sess, nil
}

// Alive reports whether the session's process is still running. Once it has
// exited, exitCode carries its status (-1 when killed by a signal).
// It never blocks.
func (s *Supervisor) Alive(sess *CaptureSession) (alive bool, exitCode int) {
	if sess == nil || sess.proc == nil {
		return false, -1
	}
	done, code := sess.proc.exited()
	return !done, code
}

// Stop terminates the session's process group: SIGTERM, then SIGKILL once the
// grace period has passed. It returns nil once the process has been reaped,
// and an error wrapping ErrStopUnconfirmed if it may still be running.
// A nil or already exited session is a no-op.
func (s *Supervisor) Stop(sess *CaptureSession) error {
	if sess == nil || sess.proc == nil {
		return nil
	}
	log := s.log.With(slog.String("bucket", string(sess.Bucket)), slog.Int("pid", sess.PID))
	if done, _ := sess.proc.exited(); done {
		sess.stderr.Flush()
		return nil
	}

	killed, err := sess.proc.terminate(s.cfg.Grace)
	if err != nil {
		log.Error("capture stop", slog.Any("error", err))
		return err
	}
	sess.stderr.Flush()
	if killed {
		log.Warn("capture did not exit after SIGTERM, killed", slog.Duration("grace", s.cfg.Grace))
		return nil
	}
	log.Info("capture stopped")
	return nil
}

// Probe runs "ffmpeg -version" and returns the first line of its output.
func (s *Supervisor) Probe(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.cfg.FFmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", s.cfg.FFmpegPath, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}
