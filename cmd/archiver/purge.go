package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"cctv-archiver/internal/archive"
	"cctv-archiver/internal/platform/logger"
)

// runPurge deletes intermediates of finished buckets once and reports what
// was freed. It exits 2 when the archive path does not exist.
func runPurge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge-orphans", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to YAML configuration file")
	path := fs.String("path", "", "Override archive path")
	safety := fs.Int("safety-buckets", 0, "Override the number of newest buckets left alone")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *path != "" {
		settings.ArchivePath = *path
	}
	if *safety > 0 {
		settings.SafetyBuckets = *safety
	}

	log := logger.NewWithWriter(stderr, settings.LogLevel, settings.LogFormat)
	reconciler := archive.NewReconciler(archive.NewLayout(settings.ArchivePath), settings.SafetyBuckets, log, nil, nil)
	rep, err := reconciler.Reconcile(context.Background(), time.Now())
	if errors.Is(err, archive.ErrArchiveMissing) {
		fmt.Fprintf(stderr, "archive path %s does not exist\n", settings.ArchivePath)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "purge failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "removed %d orphaned files (%s) from %d buckets\n",
		rep.Files, humanize.Bytes(uint64(rep.Bytes)), len(rep.Buckets))
	return 0
}
