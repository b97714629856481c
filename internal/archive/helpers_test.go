package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeFFmpeg writes a shell script standing in for ffmpeg and returns its path.
//
// captureMode: "run" (exits 0 on SIGTERM, spawns a child in the same group),
// "ignore_term" (only SIGKILL stops it) or "crash" (exits 3 at once).
// encodeMode: "ok", "fail" (exit 1), "slow" (runs until signalled) or
// "noartifact" (exit 0 without writing output).
func fakeFFmpeg(t *testing.T, captureMode, encodeMode string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
for last; do :; done
case "$*" in
*-version*)
  echo "ffmpeg version 6.1-fake Copyright (c) the FFmpeg developers"
  echo "built with gcc"
  exit 0;;
*"-f hls"*)
  case "%[1]s" in
  crash) echo "rtsp: connection refused" >&2; exit 3;;
  ignore_term) trap '' TERM;;
  *) trap 'exit 0' TERM
     sleep 60 &
     echo $! > "$last.child";;
  esac
  printf '#EXTM3U\n' > "$last"
  while :; do sleep 0.05; done;;
*)
  case "%[2]s" in
  fail) echo "x265 [error]: cannot open input" >&2; exit 1;;
  slow) trap 'exit 0' TERM; echo "encoding" > "$last"; while :; do sleep 0.05; done;;
  noartifact) exit 0;;
  esac
  echo "encoded" > "$last"
  echo "frame=100 fps=50" >&2
  exit 0;;
esac
`, captureMode, encodeMode)
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeFileAged(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	writeFile(t, path, string(make([]byte, size)))
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

const twoSegmentIndex = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.000000,
2026-02-07-09_segment_00000.ts
#EXTINF:9.960000,
2026-02-07-09_segment_00001.ts
`

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) last(t EventType) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return Event{}, false
}
