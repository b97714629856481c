package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileKind classifies a file in the archive directory.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindSegment
	KindIndex
	KindArtifact
)

func (k FileKind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindIndex:
		return "index"
	case KindArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}

const (
	segmentInfix   = "_segment_"
	indexPrefix    = "playlist_"
	artifactPrefix = "archive_"
)

// Layout knows how files of each bucket are named inside the archive root:
//
//	{bucket}_segment_00000.ts   segments written by the capture process
//	playlist_{bucket}.m3u8      the bucket's HLS index
//	archive_{bucket}.mp4        the consolidated artifact
type Layout struct {
	Root        string
	SegmentExt  string
	IndexExt    string
	ArtifactExt string
}

// NewLayout returns the standard layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{
		Root:        root,
		SegmentExt:  ".ts",
		IndexExt:    ".m3u8",
		ArtifactExt: ".mp4",
	}
}

// SegmentPattern is the printf-style segment filename template handed to ffmpeg.
func (l Layout) SegmentPattern(b BucketID) string {
	return filepath.Join(l.Root, string(b)+segmentInfix+"%05d"+l.SegmentExt)
}

// IndexPath is the path of the bucket's HLS index.
func (l Layout) IndexPath(b BucketID) string {
	return filepath.Join(l.Root, indexPrefix+string(b)+l.IndexExt)
}

// ArtifactPath is the path of the bucket's consolidated archive.
func (l Layout) ArtifactPath(b BucketID) string {
	return filepath.Join(l.Root, artifactPrefix+string(b)+l.ArtifactExt)
}

// Classify reports which bucket and kind a bare file name belongs to.
// ok is false for names that do not follow the layout.
func (l Layout) Classify(name string) (BucketID, FileKind, bool) {
	switch {
	case strings.HasPrefix(name, artifactPrefix) && strings.HasSuffix(name, l.ArtifactExt):
		if b, err := ParseBucket(strings.TrimSuffix(strings.TrimPrefix(name, artifactPrefix), l.ArtifactExt)); err == nil {
			return b, KindArtifact, true
		}
	case strings.HasPrefix(name, indexPrefix) && strings.HasSuffix(name, l.IndexExt):
		if b, err := ParseBucket(strings.TrimSuffix(strings.TrimPrefix(name, indexPrefix), l.IndexExt)); err == nil {
			return b, KindIndex, true
		}
	case strings.HasSuffix(name, l.SegmentExt):
		head, seq, found := strings.Cut(strings.TrimSuffix(name, l.SegmentExt), segmentInfix)
		if !found || seq == "" || strings.Trim(seq, "0123456789") != "" {
			break
		}
		if b, err := ParseBucket(head); err == nil {
			return b, KindSegment, true
		}
	}
	return "", KindUnknown, false
}

// Intermediates returns the paths of every segment and the index of bucket b.
func (l Layout) Intermediates(b BucketID) ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.Root, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		bucket, kind, ok := l.Classify(e.Name())
		if !ok || bucket != b {
			continue
		}
		if kind == KindSegment || kind == KindIndex {
			paths = append(paths, filepath.Join(l.Root, e.Name()))
		}
	}
	return paths, nil
}
