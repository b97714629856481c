package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"
)

// BucketInventory describes what the archive directory holds for one bucket.
type BucketInventory struct {
	Bucket          BucketID  `json:"bucket"`
	Segments        int       `json:"segments"`
	SegmentBytes    int64     `json:"segment_bytes"`
	HasIndex        bool      `json:"has_index"`
	HasArtifact     bool      `json:"has_artifact"`
	ArtifactBytes   int64     `json:"artifact_bytes,omitempty"`
	ArtifactModTime time.Time `json:"artifact_mod_time,omitzero"`
}

// ErrNotCataloged is returned by a CatalogReader for a bucket it has no record of.
var ErrNotCataloged = errors.New("bucket not cataloged")

// CatalogRecord is what the archive catalog knows about a bucket, including
// buckets whose files are already gone.
type CatalogRecord struct {
	Status          string    `json:"status"`
	ArtifactPath    string    `json:"artifact_path,omitempty"`
	ArtifactBytes   int64     `json:"artifact_bytes,omitempty"`
	SegmentsRemoved int       `json:"segments_removed"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CatalogReader looks up catalog records.
type CatalogReader interface {
	Get(ctx context.Context, bucket BucketID) (CatalogRecord, error)
}

// Inventory groups the archive directory by bucket, oldest first.
func (l Layout) Inventory() ([]BucketInventory, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.Root, err)
	}
	byBucket := make(map[BucketID]*BucketInventory)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		bucket, kind, ok := l.Classify(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		inv, ok := byBucket[bucket]
		if !ok {
			inv = &BucketInventory{Bucket: bucket}
			byBucket[bucket] = inv
		}
		switch kind {
		case KindSegment:
			inv.Segments++
			inv.SegmentBytes += info.Size()
		case KindIndex:
			inv.HasIndex = true
		case KindArtifact:
			inv.HasArtifact = true
			inv.ArtifactBytes = info.Size()
			inv.ArtifactModTime = info.ModTime().UTC()
		}
	}

	out := make([]BucketInventory, 0, len(byBucket))
	for _, inv := range byBucket {
		out = append(out, *inv)
	}
	slices.SortFunc(out, func(a, b BucketInventory) int {
		switch {
		case a.Bucket < b.Bucket:
			return -1
		case a.Bucket > b.Bucket:
			return 1
		}
		return 0
	})
	return out, nil
}

// BucketInventory returns the inventory of a single bucket. ok is false when
// the directory holds no file for it.
func (l Layout) BucketInventory(b BucketID) (BucketInventory, bool, error) {
	all, err := l.Inventory()
	if err != nil {
		return BucketInventory{}, false, err
	}
	for _, inv := range all {
		if inv.Bucket == b {
			return inv, true, nil
		}
	}
	return BucketInventory{}, false, nil
}
