package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"cctv-archiver/internal/platform/metrics"
)

// ErrArchiveMissing is returned by Reconcile when the archive root does not exist.
var ErrArchiveMissing = errors.New("archive path does not exist")

// DefaultSafetyBuckets is the current bucket plus the two before it.
const DefaultSafetyBuckets = 3

// Report summarises an orphan reconciliation.
type Report struct {
	Files   int        `json:"files"`
	Bytes   int64      `json:"bytes"`
	Buckets []BucketID `json:"buckets"`
	Errors  int        `json:"errors"`
}

// Reconciler removes segments and indexes left behind for buckets that already
// have an artifact, for example after a crash between transcode and cleanup.
type Reconciler struct {
	layout        Layout
	safetyBuckets int
	log           *slog.Logger
	sink          EventSink
	metrics       *metrics.Metrics
}

// NewReconciler returns a Reconciler that never touches the newest
// safetyBuckets buckets.
func NewReconciler(layout Layout, safetyBuckets int, log *slog.Logger, sink EventSink, m *metrics.Metrics) *Reconciler {
	if safetyBuckets < 1 {
		safetyBuckets = DefaultSafetyBuckets
	}
	return &Reconciler{layout: layout, safetyBuckets: safetyBuckets, log: log, sink: sink, metrics: m}
}

// Reconcile deletes every intermediate whose bucket has an artifact and lies
// outside the safety window at now. Buckets listed in busy are left alone; a
// running consolidation writes its artifact long before it finishes.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time, busy ...BucketID) (Report, error) {
	var rep Report
	entries, err := os.ReadDir(r.layout.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, fmt.Errorf("%w: %s", ErrArchiveMissing, r.layout.Root)
	}
	if err != nil {
		return rep, fmt.Errorf("list %s: %w", r.layout.Root, err)
	}

	finished := make(map[BucketID]struct{})
	for _, e := range entries {
		if b, kind, ok := r.layout.Classify(e.Name()); ok && kind == KindArtifact && !e.IsDir() {
			finished[b] = struct{}{}
		}
	}
	protected := SafetyWindow(now, r.safetyBuckets)
	for _, b := range busy {
		protected[b] = struct{}{}
	}

	touched := make(map[BucketID]struct{})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if e.IsDir() {
			continue
		}
		bucket, kind, ok := r.layout.Classify(e.Name())
		if !ok || (kind != KindSegment && kind != KindIndex) {
			continue
		}
		if _, done := finished[bucket]; !done {
			continue
		}
		if _, safe := protected[bucket]; safe {
			continue
		}

		path := filepath.Join(r.layout.Root, e.Name())
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				rep.Errors++
				r.log.Error("remove orphan", slog.String("path", path), slog.Any("error", err))
			}
			continue
		}
		rep.Files++
		rep.Bytes += size
		touched[bucket] = struct{}{}
	}

	for b := range touched {
		rep.Buckets = append(rep.Buckets, b)
	}
	slices.Sort(rep.Buckets)

	r.metrics.AddOrphans(rep.Files, rep.Bytes)
	r.log.Info("orphan reconciliation finished",
		slog.Int("files", rep.Files),
		slog.String("freed", humanize.Bytes(uint64(rep.Bytes))),
		slog.Int("buckets", len(rep.Buckets)),
		slog.Int("errors", rep.Errors),
	)
	if rep.Files > 0 {
		ev := NewEvent(EventOrphansPurged, "", now)
		ev.Files = rep.Files
		ev.Bytes = rep.Bytes
		emit(ctx, r.sink, r.log, ev)
	}
	return rep, nil
}
