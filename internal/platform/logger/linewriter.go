package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const maxLineBytes = 4096

// LineWriter is an io.Writer that emits one log record per line written to it.
// It is meant to be used as a child process's Stdout or Stderr.
type LineWriter struct {
	log   *slog.Logger
	level slog.Level
	msg   string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter returns a LineWriter logging each line as msg at level, with
// the line text in the "line" attribute.
func NewLineWriter(log *slog.Logger, level slog.Level, msg string) *LineWriter {
	return &LineWriter{log: log, level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			// ffmpeg progress lines can grow without a terminator.
			if w.buf.Len() > maxLineBytes {
				w.emit(string(data))
				w.buf.Reset()
			}
			break
		}
		w.emit(string(data[:i]))
		w.buf.Next(i + 1)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	w.log.Log(context.Background(), w.level, w.msg, slog.String("line", line))
}
