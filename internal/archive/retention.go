package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"cctv-archiver/internal/platform/metrics"
)

// RetentionConfig configures artifact expiry.
type RetentionConfig struct {
	// Window is the maximum age of an artifact, measured from its mtime.
	Window time.Duration
	// Interval is the minimum time between two sweeps.
	Interval time.Duration
}

// SweepResult summarises one retention sweep.
type SweepResult struct {
	Scanned int   `json:"scanned"`
	Deleted int   `json:"deleted"`
	Bytes   int64 `json:"bytes"`
	Errors  int   `json:"errors"`
}

// Sweeper deletes artifacts older than the retention window. It throttles
// itself: Sweep does nothing until Interval has passed since the last sweep
// (or since construction, for the first one).
type Sweeper struct {
	cfg     RetentionConfig
	layout  Layout
	log     *slog.Logger
	sink    EventSink
	metrics *metrics.Metrics

	lastSweep time.Time
}

// NewSweeper returns a Sweeper whose first sweep is due one interval after started.
func NewSweeper(cfg RetentionConfig, layout Layout, log *slog.Logger, sink EventSink, m *metrics.Metrics, started time.Time) *Sweeper {
	return &Sweeper{cfg: cfg, layout: layout, log: log, sink: sink, metrics: m, lastSweep: started}
}

// LastSweep returns when the sweeper last ran, or its construction time.
func (s *Sweeper) LastSweep() time.Time {
	return s.lastSweep
}

// Sweep runs SweepNow if the interval has elapsed. ran is false when throttled.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (res SweepResult, ran bool) {
	if now.Sub(s.lastSweep) < s.cfg.Interval {
		return SweepResult{}, false
	}
	res, err := s.SweepNow(ctx, now)
	if err != nil {
		s.log.Error("retention sweep", slog.Any("error", err))
	}
	s.lastSweep = now
	return res, true
}

// SweepNow deletes every artifact with now - mtime strictly greater than the
// window. Segments, indexes and unrelated files are never touched. Per-file
// failures are logged and counted; the sweep continues.
func (s *Sweeper) SweepNow(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return res, fmt.Errorf("list %s: %w", s.layout.Root, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.IsDir() {
			continue
		}
		bucket, kind, ok := s.layout.Classify(e.Name())
		if !ok || kind != KindArtifact {
			continue
		}
		res.Scanned++

		path := filepath.Join(s.layout.Root, e.Name())
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Errors++
				s.log.Error("stat artifact", slog.String("path", path), slog.Any("error", err))
			}
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= s.cfg.Window {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Errors++
				s.log.Error("remove expired artifact", slog.String("path", path), slog.Any("error", err))
			}
			continue
		}
		res.Deleted++
		res.Bytes += info.Size()
		s.log.Info("expired artifact deleted",
			slog.String("bucket", string(bucket)),
			slog.String("path", path),
			slog.Duration("age", age.Truncate(time.Second)),
		)
		ev := NewEvent(EventRetentionDeleted, bucket, now)
		ev.Path = path
		ev.Bytes = info.Size()
		emit(ctx, s.sink, s.log, ev)
	}

	s.metrics.AddRetentionDeleted(res.Deleted)
	if res.Deleted > 0 || res.Errors > 0 {
		s.log.Info("retention sweep finished",
			slog.Int("scanned", res.Scanned),
			slog.Int("deleted", res.Deleted),
			slog.String("freed", humanize.Bytes(uint64(res.Bytes))),
			slog.Int("errors", res.Errors),
		)
	}
	return res, nil
}
