package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSweeper_SweepNow(t *testing.T) {
	now := utc(2026, 5, 10, 12, 0)
	window := 90 * 24 * time.Hour
	layout := NewLayout(t.TempDir())
	sink := &recordingSink{}
	s := NewSweeper(RetentionConfig{Window: window, Interval: time.Hour}, layout, testLogger(), sink, nil, now)

	expired := layout.ArtifactPath("2026-02-08-10")
	fresh := layout.ArtifactPath("2026-05-09-12")
	boundary := layout.ArtifactPath("2026-02-09-12")
	oldSegment := filepath.Join(layout.Root, "2026-01-01-00_segment_00000.ts")
	oldIndex := layout.IndexPath("2026-01-01-00")
	unrelated := filepath.Join(layout.Root, "notes.txt")
	malformed := filepath.Join(layout.Root, "archive_latest.mp4")

	writeFileAged(t, expired, 100, now.Add(-91*24*time.Hour))
	writeFileAged(t, fresh, 100, now.Add(-24*time.Hour))
	writeFileAged(t, boundary, 100, now.Add(-window))
	for _, p := range []string{oldSegment, oldIndex, unrelated, malformed} {
		writeFileAged(t, p, 10, now.Add(-200*24*time.Hour))
	}

	res, err := s.SweepNow(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if res.Scanned != 3 || res.Deleted != 1 || res.Bytes != 100 || res.Errors != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if exists(expired) {
		t.Error("expected 91-day-old artifact to be deleted")
	}
	if !exists(fresh) {
		t.Error("expected 1-day-old artifact to be kept")
	}
	if !exists(boundary) {
		t.Error("expected artifact exactly at the window to be kept")
	}
	for _, p := range []string{oldSegment, oldIndex, unrelated, malformed} {
		if !exists(p) {
			t.Errorf("expected %s to be untouched", p)
		}
	}
	ev, ok := sink.last(EventRetentionDeleted)
	if !ok || ev.Bucket != "2026-02-08-10" || ev.Path != expired {
		t.Errorf("unexpected retention event %+v", ev)
	}
}

func TestSweeper_Sweep_throttled(t *testing.T) {
	started := utc(2026, 5, 10, 12, 0)
	layout := NewLayout(t.TempDir())
	s := NewSweeper(RetentionConfig{Window: 24 * time.Hour, Interval: time.Hour}, layout, testLogger(), nil, nil, started)
	ctx := context.Background()

	if _, ran := s.Sweep(ctx, started); ran {
		t.Error("expected no sweep at construction time")
	}
	if _, ran := s.Sweep(ctx, started.Add(59*time.Minute)); ran {
		t.Error("expected no sweep before the interval")
	}
	if _, ran := s.Sweep(ctx, started.Add(time.Hour)); !ran {
		t.Error("expected sweep once the interval elapsed")
	}
	if got := s.LastSweep(); !got.Equal(started.Add(time.Hour)) {
		t.Errorf("expected last sweep to advance, got %v", got)
	}
	if _, ran := s.Sweep(ctx, started.Add(90*time.Minute)); ran {
		t.Error("expected at most one sweep per interval")
	}
	if _, ran := s.Sweep(ctx, started.Add(2*time.Hour)); !ran {
		t.Error("expected the next sweep after another interval")
	}
}

func TestSweeper_missing_root(t *testing.T) {
	started := utc(2026, 5, 10, 12, 0)
	layout := NewLayout(filepath.Join(t.TempDir(), "absent"))
	s := NewSweeper(RetentionConfig{Window: time.Hour, Interval: time.Hour}, layout, testLogger(), nil, nil, started)

	if _, err := s.SweepNow(context.Background(), started); err == nil {
		t.Error("expected error for missing archive root")
	}
	// The throttle still advances so a broken mount is not rescanned every tick.
	if _, ran := s.Sweep(context.Background(), started.Add(time.Hour)); !ran {
		t.Fatal("expected sweep attempt")
	}
	if _, ran := s.Sweep(context.Background(), started.Add(time.Hour+time.Minute)); ran {
		t.Error("expected throttle after failed sweep")
	}
}
