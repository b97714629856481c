package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cctv-archiver/internal/platform/metrics"
)

var (
	// ErrJobExists is returned by Submit when the bucket already has a running job.
	ErrJobExists = errors.New("consolidation already running for bucket")

	// ErrNoIndex is returned by Submit when the bucket has no usable index.
	// Nothing was recorded for the bucket, so there is nothing to consolidate.
	ErrNoIndex = errors.New("bucket has no index")
)

const defaultOutputLimit = 64 << 10

// JobStatus is the state of a consolidation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ConsolidationConfig configures the transcode of a finished bucket.
type ConsolidationConfig struct {
	FFmpegPath string
	Codec      string
	Preset     string
	CRF        int
	// Grace is how long StopAll waits after SIGTERM before SIGKILL.
	Grace time.Duration
	// OutputLimit caps the captured ffmpeg output kept per job, in bytes.
	OutputLimit int
}

// DefaultConsolidationConfig returns the H.265 settings used for archives.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		FFmpegPath:  "ffmpeg",
		Codec:       "libx265",
		Preset:      "medium",
		CRF:         26,
		Grace:       30 * time.Second,
		OutputLimit: defaultOutputLimit,
	}
}

// ConsolidationJob is a running transcode of one bucket.
type ConsolidationJob struct {
	Bucket    BucketID  `json:"bucket"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`

	proc        *process
	output      *tailBuffer
	interrupted bool
}

// JobResult is the outcome of a finished job, reported once by Poll.
type JobResult struct {
	Bucket   BucketID
	Status   JobStatus
	ExitCode int
	// Output is the tail of ffmpeg's combined stdout and stderr.
	Output  string
	Removed int
	Elapsed time.Duration
	Err     error
}

// Tracker runs at most one consolidation job per bucket and reconciles their
// completion without blocking.
type Tracker struct {
	cfg     ConsolidationConfig
	layout  Layout
	log     *slog.Logger
	sink    EventSink
	metrics *metrics.Metrics
	clock   Clock

	jobs map[BucketID]*ConsolidationJob
}

// NewTracker returns an empty Tracker. sink and m may be nil.
func NewTracker(cfg ConsolidationConfig, layout Layout, log *slog.Logger, sink EventSink, m *metrics.Metrics, clock Clock) *Tracker {
	def := DefaultConsolidationConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.Codec == "" {
		cfg.Codec = def.Codec
	}
	if cfg.Preset == "" {
		cfg.Preset = def.Preset
	}
	if cfg.CRF == 0 {
		cfg.CRF = def.CRF
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		cfg:     cfg,
		layout:  layout,
		log:     log,
		sink:    sink,
		metrics: m,
		clock:   clock,
		jobs:    make(map[BucketID]*ConsolidationJob),
	}
}

// Args returns the ffmpeg arguments that transcode bucket into its artifact.
func (t *Tracker) Args(bucket BucketID) []string {
	return []string{
		"-y",
		"-i", t.layout.IndexPath(bucket),
		"-c:v", t.cfg.Codec,
		"-preset", t.cfg.Preset,
		"-crf", strconv.Itoa(t.cfg.CRF),
		"-c:a", "copy",
		t.layout.ArtifactPath(bucket),
	}
}

// Submit starts consolidating bucket in the background.
func (t *Tracker) Submit(ctx context.Context, bucket BucketID) error {
	log := t.log.With(slog.String("bucket", string(bucket)))
	if _, ok := t.jobs[bucket]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, bucket)
	}

	index := t.layout.IndexPath(bucket)
	pl, err := ReadPlaylist(index)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.skip(ctx, bucket, "index not found")
		return fmt.Errorf("%w: %s", ErrNoIndex, index)
	case err != nil:
		// Let ffmpeg decide; a torn final line is common after a crash.
		log.Warn("index did not parse, consolidating anyway", slog.Any("error", err))
	case len(pl.Segments) == 0:
		t.skip(ctx, bucket, "index lists no segments")
		return fmt.Errorf("%w: %s lists no segments", ErrNoIndex, index)
	}

	output := newTailBuffer(t.cfg.OutputLimit)
	cmd := exec.Command(t.cfg.FFmpegPath, t.Args(bucket)...)
	cmd.Stdout = output
	cmd.Stderr = output
	proc, err := startProcess(cmd)
	if err != nil {
		return fmt.Errorf("start consolidation for %s: %w", bucket, err)
	}

	job := &ConsolidationJob{
		Bucket:    bucket,
		PID:       proc.pid(),
		StartedAt: t.clock().UTC(),
		proc:      proc,
		output:    output,
	}
	t.jobs[bucket] = job
	t.metrics.SetConsolidationsActive(len(t.jobs))
	log.Info("consolidation started", slog.Int("pid", job.PID), slog.Int("segments", len(pl.Segments)))

	ev := NewEvent(EventConsolidationSubmitted, bucket, job.StartedAt)
	ev.PID = job.PID
	ev.Path = t.layout.ArtifactPath(bucket)
	emit(ctx, t.sink, t.log, ev)
	return nil
}

func (t *Tracker) skip(ctx context.Context, bucket BucketID, reason string) {
	t.log.Info("consolidation skipped", slog.String("bucket", string(bucket)), slog.String("reason", reason))
	t.metrics.IncConsolidations(metrics.OutcomeSkipped)
	ev := NewEvent(EventConsolidationSkipped, bucket, t.clock())
	ev.Detail = reason
	emit(ctx, t.sink, t.log, ev)
}

// Poll reaps every finished job. Successful jobs have their bucket's segments
// and index deleted; failed jobs keep them for a later retry or inspection.
// Each job appears in exactly one Poll result.
func (t *Tracker) Poll(ctx context.Context) []JobResult {
	var results []JobResult
	for _, bucket := range t.Active() {
		job := t.jobs[bucket]
		done, code := job.proc.exited()
		if !done {
			continue
		}
		delete(t.jobs, bucket)
		results = append(results, t.finish(ctx, job, code))
	}
	if len(results) > 0 {
		t.metrics.SetConsolidationsActive(len(t.jobs))
	}
	return results
}

func (t *Tracker) finish(ctx context.Context, job *ConsolidationJob, code int) JobResult {
	now := t.clock()
	res := JobResult{
		Bucket:   job.Bucket,
		ExitCode: code,
		Output:   job.output.String(),
		Elapsed:  now.Sub(job.StartedAt),
	}
	log := t.log.With(slog.String("bucket", string(job.Bucket)), slog.Int("pid", job.PID), slog.Int("exit_code", code))
	artifact := t.layout.ArtifactPath(job.Bucket)

	info, statErr := os.Stat(artifact)
	switch {
	case job.interrupted:
		res.Err = errors.New("interrupted by shutdown")
	case code != 0:
		res.Err = fmt.Errorf("ffmpeg exited with code %d", code)
	case statErr != nil:
		res.Err = fmt.Errorf("ffmpeg exited 0 but artifact is missing: %w", statErr)
	}

	if res.Err != nil {
		res.Status = JobFailed
		// A partial artifact would later pass for a finished one.
		if err := os.Remove(artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error("remove partial artifact", slog.String("path", artifact), slog.Any("error", err))
		}
		log.Error("consolidation failed, keeping intermediates",
			slog.Any("error", res.Err),
			slog.String("output", lastLines(res.Output, 5)),
		)
		t.metrics.IncConsolidations(metrics.OutcomeFailed)
		ev := NewEvent(EventConsolidationFailed, job.Bucket, now)
		ev.PID = job.PID
		ev.ExitCode = code
		ev.Detail = lastLines(res.Output, 1)
		emit(ctx, t.sink, t.log, ev)
		return res
	}

	res.Status = JobSucceeded
	res.Removed = t.removeIntermediates(job.Bucket, log)
	log.Info("consolidation finished",
		slog.String("path", artifact),
		slog.Int64("bytes", info.Size()),
		slog.Int("removed", res.Removed),
		slog.Duration("elapsed", res.Elapsed),
	)
	t.metrics.IncConsolidations(metrics.OutcomeSucceeded)
	ev := NewEvent(EventConsolidationSucceeded, job.Bucket, now)
	ev.PID = job.PID
	ev.Path = artifact
	ev.Bytes = info.Size()
	ev.Files = res.Removed
	emit(ctx, t.sink, t.log, ev)
	return res
}

func (t *Tracker) removeIntermediates(bucket BucketID, log *slog.Logger) int {
	paths, err := t.layout.Intermediates(bucket)
	if err != nil {
		log.Error("list intermediates", slog.Any("error", err))
		return 0
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Error("remove intermediate", slog.String("path", p), slog.Any("error", err))
			}
			continue
		}
		removed++
	}
	return removed
}

// Active returns the buckets with a running job, oldest first.
func (t *Tracker) Active() []BucketID {
	buckets := make([]BucketID, 0, len(t.jobs))
	for b := range t.jobs {
		buckets = append(buckets, b)
	}
	slices.Sort(buckets)
	return buckets
}

// Jobs returns a copy of the running jobs, oldest bucket first.
func (t *Tracker) Jobs() []ConsolidationJob {
	out := make([]ConsolidationJob, 0, len(t.jobs))
	for _, b := range t.Active() {
		j := t.jobs[b]
		out = append(out, ConsolidationJob{Bucket: j.Bucket, PID: j.PID, StartedAt: j.StartedAt})
	}
	return out
}

// StopAll terminates every running job in parallel (SIGTERM, grace, SIGKILL)
// and reports their outcomes. Interrupted jobs fail and keep their intermediates.
func (t *Tracker) StopAll(ctx context.Context) []JobResult {
	var g errgroup.Group
	for _, job := range t.jobs {
		if done, _ := job.proc.exited(); !done {
			job.interrupted = true
		}
		g.Go(func() error {
			killed, err := job.proc.terminate(t.cfg.Grace)
			if killed {
				t.log.Warn("consolidation killed on shutdown", slog.String("bucket", string(job.Bucket)), slog.Int("pid", job.PID))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.log.Error("stop consolidation jobs", slog.Any("error", err))
	}
	return t.Poll(ctx)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
