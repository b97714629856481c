package archive

import (
	"errors"
	"fmt"
	"time"
)

// BucketLayout is the time layout of a BucketID. Buckets are always UTC.
const BucketLayout = "2006-01-02-15"

// ErrInvalidBucket is returned when a string is not a well-formed BucketID.
var ErrInvalidBucket = errors.New("invalid bucket id")

// BucketID names one wall-clock hour of recording, e.g. "2026-02-07-10".
// Lexical order of BucketIDs equals chronological order.
type BucketID string

// Clock returns the current time. Production code uses time.Now.
type Clock func() time.Time

// CurrentBucket returns the bucket containing now.
func CurrentBucket(now time.Time) BucketID {
	return BucketID(now.UTC().Format(BucketLayout))
}

// ParseBucket validates s and returns it as a BucketID.
func ParseBucket(s string) (BucketID, error) {
	t, err := time.ParseInLocation(BucketLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, s)
	}
	// Reject non-canonical spellings that time.Parse tolerates.
	if t.Format(BucketLayout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, s)
	}
	return BucketID(s), nil
}

// Start returns the first instant of the bucket, or the zero time if b is malformed.
func (b BucketID) Start() time.Time {
	t, err := time.ParseInLocation(BucketLayout, string(b), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Previous returns the bucket n hours before b.
func (b BucketID) Previous(n int) BucketID {
	return CurrentBucket(b.Start().Add(-time.Duration(n) * time.Hour))
}

func (b BucketID) String() string { return string(b) }

// SafetyWindow returns the set of buckets that must not be touched by
// reconciliation at now: the current bucket and the size-1 buckets before it.
func SafetyWindow(now time.Time, size int) map[BucketID]struct{} {
	current := CurrentBucket(now)
	window := make(map[BucketID]struct{}, size)
	for i := 0; i < size; i++ {
		window[current.Previous(i)] = struct{}{}
	}
	return window
}
