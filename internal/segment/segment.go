// Package segment defines fragment records and the URL template that addresses them.
package segment

import "time"

// Segment represents a single fragment that has been fetched and stored.
type Segment struct {
	// Sequence is the number substituted into the URL template
	Sequence int

	// URL is the resolved fragment URL
	URL string

	// Path is where the payload lives on disk
	Path string

	// Size is the payload length in bytes
	Size int64

	// SHA256 is the hex-encoded digest of the payload
	SHA256 string

	// FetchedAt is when the payload was stored
	FetchedAt time.Time

	// StartTime is the probed presentation start of the first frame, in seconds.
	// Only meaningful when HasStartTime is set.
	StartTime    float64
	HasStartTime bool

	// Duration is the fragment duration in seconds; zero when unknown
	Duration float64
}
