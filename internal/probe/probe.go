// Package probe reads the presentation start time of a stored fragment by
// running an external media inspection tool.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agleyzer/paceload/internal/logging"
)

// ErrNoStartTime is returned when the tool output carries no start time.
var ErrNoStartTime = errors.New("no start time in probe output")

// ErrNotFinite is returned for NaN or infinite start times.
var ErrNotFinite = errors.New("start time is not a finite number")

// Prober returns the presentation start timestamp, in seconds, of the
// first frame in a locally stored fragment.
type Prober interface {
	ProbeStart(ctx context.Context, path string) (float64, error)
}

// ProbeFailure wraps any error raised while probing a fragment.
type ProbeFailure struct {
	Path string
	Err  error
}

func (e *ProbeFailure) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeFailure) Unwrap() error {
	return e.Err
}

// New returns the prober registered under name ("mplayer" or "ffprobe").
func New(name, binary string, logger *slog.Logger) (Prober, error) {
	switch name {
	case "mplayer":
		return NewMPlayer(binary, logger), nil
	case "ffprobe":
		return NewFFprobe(binary, logger), nil
	default:
		return nil, fmt.Errorf("unknown prober %q", name)
	}
}

const startTimeMarker = "ID_START_TIME="

// MPlayer probes with `mplayer -identify` and reads the ID_START_TIME line.
type MPlayer struct {
	binary string
	logger *slog.Logger
}

// NewMPlayer creates an mplayer-backed prober.
func NewMPlayer(binary string, logger *slog.Logger) *MPlayer {
	if strings.TrimSpace(binary) == "" {
		binary = "mplayer"
	}
	return &MPlayer{binary: binary, logger: logger}
}

// ProbeStart runs mplayer without decoding any frame and parses its identify output.
func (m *MPlayer) ProbeStart(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, m.binary, "-vo", "null", "-ao", "null", "-identify", "-frames", "0", path)
	output, runErr := cmd.Output()

	m.logger.Log(ctx, logging.LevelTrace, "mplayer identify output", "path", path, "output", string(output))

	start, err := ParseIdentify(output)
	if err != nil {
		if runErr != nil {
			err = fmt.Errorf("%w (mplayer: %v)", err, runErr)
		}
		return 0, &ProbeFailure{Path: path, Err: err}
	}

	m.logger.Debug("probed fragment start", "path", path, "start", start)
	return start, nil
}

// ParseIdentify extracts the first ID_START_TIME value from mplayer identify output.
func ParseIdentify(output []byte) (float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, startTimeMarker)
		if !ok {
			continue
		}
		start, err := parseStartTime(value)
		if err != nil {
			return 0, fmt.Errorf("malformed %s line %q: %w", strings.TrimSuffix(startTimeMarker, "="), line, err)
		}
		return start, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read probe output: %w", err)
	}
	return 0, ErrNoStartTime
}

// FFprobe probes with ffprobe and reads format.start_time from its JSON output.
type FFprobe struct {
	binary string
	logger *slog.Logger
}

// NewFFprobe creates an ffprobe-backed prober.
func NewFFprobe(binary string, logger *slog.Logger) *FFprobe {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &FFprobe{binary: binary, logger: logger}
}

// ProbeStart runs ffprobe and decodes the container start time.
func (f *FFprobe) ProbeStart(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.binary, "-v", "error", "-hide_banner", "-show_entries", "format=start_time", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()

	f.logger.Log(ctx, logging.LevelTrace, "ffprobe output", "path", path, "output", string(output))

	if err != nil {
		return 0, &ProbeFailure{Path: path, Err: fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(output)))}
	}

	start, err := ParseFFprobeJSON(output)
	if err != nil {
		return 0, &ProbeFailure{Path: path, Err: err}
	}

	f.logger.Debug("probed fragment start", "path", path, "start", start)
	return start, nil
}

// ParseFFprobeJSON extracts format.start_time from ffprobe JSON output.
func ParseFFprobeJSON(output []byte) (float64, error) {
	var result struct {
		Format struct {
			StartTime string `json:"start_time"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}

	raw := strings.TrimSpace(result.Format.StartTime)
	if raw == "" || raw == "N/A" {
		return 0, ErrNoStartTime
	}
	start, err := parseStartTime(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed start_time %q: %w", raw, err)
	}
	return start, nil
}

func parseStartTime(raw string) (float64, error) {
	start, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(start) || math.IsInf(start, 0) {
		return 0, ErrNotFinite
	}
	return start, nil
}
