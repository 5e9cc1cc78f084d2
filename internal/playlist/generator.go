// Package playlist renders HLS media playlists over downloaded fragments.
package playlist

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/agleyzer/paceload/internal/segment"
	"github.com/grafov/m3u8"
)

// DefaultFragmentDuration is used when a fragment's duration cannot be derived.
const DefaultFragmentDuration = 10.0

// Options controls playlist rendering.
type Options struct {
	// Live renders an EVENT playlist without #EXT-X-ENDLIST, for clients
	// following a run in progress. Otherwise the playlist is a closed VOD.
	Live bool

	// URIPrefix is prepended to each fragment's file name.
	URIPrefix string

	// DefaultDuration is used for fragments with no known duration.
	DefaultDuration float64
}

// Durations derives a playback duration per fragment. An explicit
// Duration wins; otherwise the gap to the next fragment's start time is
// used when both are known; otherwise fallback.
func Durations(segments []segment.Segment, fallback float64) []float64 {
	if fallback <= 0 {
		fallback = DefaultFragmentDuration
	}

	out := make([]float64, len(segments))
	for i, seg := range segments {
		switch {
		case seg.Duration > 0:
			out[i] = seg.Duration
		case i+1 < len(segments) && seg.HasStartTime && segments[i+1].HasStartTime &&
			segments[i+1].StartTime > seg.StartTime:
			out[i] = segments[i+1].StartTime - seg.StartTime
		default:
			out[i] = fallback
		}
	}
	return out
}

// Generate renders an HLS media playlist listing segments in order.
// Segments must be contiguous; the first one's sequence becomes the
// media sequence number.
func Generate(segments []segment.Segment, opts Options) (string, error) {
	for i := 1; i < len(segments); i++ {
		if segments[i].Sequence != segments[i-1].Sequence+1 {
			return "", fmt.Errorf("segments are not contiguous: %d follows %d",
				segments[i].Sequence, segments[i-1].Sequence)
		}
	}

	capacity := uint(len(segments))
	if capacity == 0 {
		capacity = 1
	}
	p, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return "", fmt.Errorf("failed to create playlist: %w", err)
	}

	fallback := opts.DefaultDuration
	if fallback <= 0 {
		fallback = DefaultFragmentDuration
	}
	p.TargetDuration = math.Ceil(fallback)

	if len(segments) > 0 {
		p.SeqNo = uint64(segments[0].Sequence)
	}

	durations := Durations(segments, fallback)
	for i, seg := range segments {
		uri := opts.URIPrefix + filepath.Base(seg.Path)
		if err := p.Append(uri, durations[i], ""); err != nil {
			return "", fmt.Errorf("failed to add fragment %d: %w", seg.Sequence, err)
		}
		if durations[i] > p.TargetDuration {
			p.TargetDuration = math.Ceil(durations[i])
		}
	}

	if opts.Live {
		p.MediaType = m3u8.EVENT
	} else {
		p.MediaType = m3u8.VOD
		p.Close()
	}

	return p.String(), nil
}

// WriteFile renders a playlist and atomically replaces path with it.
func WriteFile(path string, segments []segment.Segment, opts Options) error {
	content, err := Generate(segments, opts)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".playlist-*")
	if err != nil {
		return fmt.Errorf("failed to create temp playlist: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install playlist: %w", err)
	}
	return nil
}
