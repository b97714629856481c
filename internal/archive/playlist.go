package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidPlaylist is returned when an index does not start with #EXTM3U.
var ErrInvalidPlaylist = errors.New("not an HLS playlist")

// Segment is one media segment listed in a bucket's index.
type Segment struct {
	Sequence int64   `json:"sequence"`
	Duration float64 `json:"duration"`
	URI      string  `json:"uri"`
}

// Playlist is the parsed form of a bucket's HLS index.
type Playlist struct {
	TargetDuration int       `json:"target_duration"`
	MediaSequence  int64     `json:"media_sequence"`
	Segments       []Segment `json:"segments"`
	Ended          bool      `json:"ended"`
}

// Duration is the sum of all segment durations in seconds.
func (p Playlist) Duration() float64 {
	var total float64
	for _, seg := range p.Segments {
		total += seg.Duration
	}
	return total
}

// ReadPlaylist parses the index file at path.
func ReadPlaylist(path string) (Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return Playlist{}, err
	}
	defer f.Close()
	p, err := ParsePlaylist(f)
	if err != nil {
		return Playlist{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// ParsePlaylist reads a media playlist. Segments are numbered from the
// playlist's media sequence. Unknown tags are ignored. If the index carries no
// #EXT-X-TARGETDURATION, it is derived from the segments.
func ParsePlaylist(r io.Reader) (Playlist, error) {
	var (
		p           Playlist
		sawHeader   bool
		sawTarget   bool
		pending     float64
		havePending bool
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return Playlist{}, ErrInvalidPlaylist
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return Playlist{}, fmt.Errorf("target duration: %w", err)
			}
			p.TargetDuration = n
			sawTarget = true
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("media sequence: %w", err)
			}
			p.MediaSequence = n
		case strings.HasPrefix(line, "#EXTINF:"):
			value, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("segment duration: %w", err)
			}
			pending, havePending = d, true
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
			// other tags and comments
		default:
			if !havePending {
				return Playlist{}, fmt.Errorf("segment %q has no #EXTINF", line)
			}
			p.Segments = append(p.Segments, Segment{
				Sequence: p.MediaSequence + int64(len(p.Segments)),
				Duration: pending,
				URI:      line,
			})
			havePending = false
		}
	}
	if err := sc.Err(); err != nil {
		return Playlist{}, err
	}
	if !sawHeader {
		return Playlist{}, ErrInvalidPlaylist
	}
	if !sawTarget {
		p.TargetDuration = targetDurationFromSegments(p.Segments)
	}
	return p, nil
}

// targetDurationFromSegments stands in for a missing #EXT-X-TARGETDURATION
// when reading an index ffmpeg did not finish writing: the longest segment,
// rounded up to whole seconds, and 1 for an index without segments.
func targetDurationFromSegments(segments []Segment) int {
	longest := 0.0
	for _, seg := range segments {
		longest = math.Max(longest, seg.Duration)
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
