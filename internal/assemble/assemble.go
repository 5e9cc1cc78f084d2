// Package assemble joins a run's stored fragments into a single output file
// and converts its subtitle track.
package assemble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/agleyzer/paceload/internal/playlist"
	"github.com/agleyzer/paceload/internal/segment"
)

// Output names inside the destination directory.
const (
	VideoBase    = "video"
	PlaylistFile = VideoBase + ".m3u8"
)

// OutputNames lists the files Assemble and ConvertSubtitles write into the
// destination root for fragments with extension ext.
func OutputNames(ext string) []string {
	return []string{VideoBase + "." + ext, PlaylistFile, SubtitlesOutput}
}

// Source is the fragment store as seen by the assembler.
type Source interface {
	Segments(ctx context.Context, from, to int) ([]segment.Segment, []int, error)
	Root() string
	Ext() string
	SubtitlesPath() string
}

// IntegrityFault reports fragments missing from the range to assemble.
type IntegrityFault struct {
	Start    int
	Boundary int
	Missing  []int
}

func (e *IntegrityFault) Error() string {
	shown := e.Missing
	suffix := ""
	if len(shown) > 10 {
		shown = shown[:10]
		suffix = fmt.Sprintf(" and %d more", len(e.Missing)-10)
	}
	parts := make([]string, len(shown))
	for i, seq := range shown {
		parts[i] = fmt.Sprint(seq)
	}
	return fmt.Sprintf("fragment range %d..%d is incomplete: missing %s%s",
		e.Start, e.Boundary, strings.Join(parts, ", "), suffix)
}

// Result describes the assembled output.
type Result struct {
	Start        int
	Boundary     int
	Fragments    int
	Bytes        int64
	VideoPath    string
	PlaylistPath string
}

// Empty reports whether there was nothing to assemble.
func (r Result) Empty() bool {
	return r.Fragments == 0
}

// Assembler writes the output of one run.
type Assembler struct {
	src             Source
	defaultDuration float64
	logger          *slog.Logger
}

// New creates an assembler. defaultDuration is the playlist duration used for
// fragments whose length cannot be derived from probed start times.
func New(src Source, defaultDuration float64, logger *slog.Logger) *Assembler {
	return &Assembler{src: src, defaultDuration: defaultDuration, logger: logger}
}

// VideoPath returns where the concatenated output is written.
func (a *Assembler) VideoPath() string {
	return filepath.Join(a.src.Root(), VideoBase+"."+a.src.Ext())
}

// PlaylistPath returns where the VOD playlist is written.
func (a *Assembler) PlaylistPath() string {
	return filepath.Join(a.src.Root(), PlaylistFile)
}

// Assemble concatenates fragments start..boundary in ascending order. An
// empty range writes nothing. Any gap fails with *IntegrityFault before the
// output is touched.
func (a *Assembler) Assemble(ctx context.Context, start, boundary int) (Result, error) {
	result := Result{Start: start, Boundary: boundary}
	if boundary < start {
		a.logger.Warn("stream is empty, nothing to assemble", "start", start, "boundary", boundary)
		return result, nil
	}

	segments, missing, err := a.src.Segments(ctx, start, boundary)
	if err != nil {
		return result, fmt.Errorf("list fragments: %w", err)
	}
	if len(missing) > 0 {
		return result, &IntegrityFault{Start: start, Boundary: boundary, Missing: missing}
	}

	written, err := a.concat(ctx, segments)
	if err != nil {
		return result, err
	}
	result.Fragments = len(segments)
	result.Bytes = written
	result.VideoPath = a.VideoPath()

	if err := playlist.WriteFile(a.PlaylistPath(), segments, playlist.Options{
		URIPrefix:       "fragments/",
		DefaultDuration: a.defaultDuration,
	}); err != nil {
		return result, fmt.Errorf("write playlist: %w", err)
	}
	result.PlaylistPath = a.PlaylistPath()

	a.logger.Info("assembled video",
		"path", result.VideoPath,
		"fragments", result.Fragments,
		"size", humanize.IBytes(uint64(result.Bytes)),
	)
	return result, nil
}

func (a *Assembler) concat(ctx context.Context, segments []segment.Segment) (int64, error) {
	out, err := os.CreateTemp(a.src.Root(), ".video-*")
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	tmpName := out.Name()
	defer os.Remove(tmpName)

	var total int64
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			out.Close()
			return 0, err
		}
		n, err := appendFile(out, seg.Path)
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("append fragment %d: %w", seg.Sequence, err)
		}
		total += n
		a.logger.Debug("appended fragment", "sequence", seg.Sequence, "bytes", n)
	}

	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpName, a.VideoPath()); err != nil {
		return 0, fmt.Errorf("install output: %w", err)
	}
	return total, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}
