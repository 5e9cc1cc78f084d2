// Package config loads paceload settings from TOML with built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Mode names accepted in the config file and on the command line.
const (
	ModeImmediate = "immediate"
	ModeStreaming = "streaming"
)

// Prober backends.
const (
	ProberMPlayer = "mplayer"
	ProberFFprobe = "ffprobe"
)

// Pacing controls the streaming acquisition mode.
type Pacing struct {
	// TargetBufferSeconds is the playback time to keep downloaded ahead of the simulated viewer.
	TargetBufferSeconds float64 `toml:"target_buffer_seconds"`
	// PollIntervalSeconds is how long to wait before re-checking the buffer.
	PollIntervalSeconds float64 `toml:"poll_interval_seconds"`
	// JitterStdDevSeconds is the standard deviation of the normal jitter added each poll.
	JitterStdDevSeconds float64 `toml:"jitter_stddev_seconds"`
	// ProbeRetries is how many times a failed timestamp probe is retried before aborting.
	ProbeRetries int `toml:"probe_retries"`
	// Seed fixes the jitter source. Zero picks a random seed.
	Seed uint64 `toml:"seed"`
	// NominalFragmentSeconds is the playlist duration used when start times are unknown.
	NominalFragmentSeconds float64 `toml:"nominal_fragment_seconds"`
}

// HTTP controls fragment and subtitle requests.
type HTTP struct {
	UserAgent           string  `toml:"user_agent"`
	TimeoutSeconds      float64 `toml:"timeout_seconds"`
	RetryMax            int     `toml:"retry_max"`
	RetryWaitMinSeconds float64 `toml:"retry_wait_min_seconds"`
	RetryWaitMaxSeconds float64 `toml:"retry_wait_max_seconds"`
}

// Tools names the external binaries used for probing and conversion.
type Tools struct {
	Prober        string `toml:"prober"`
	MPlayerBinary string `toml:"mplayer_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	FFmpegBinary  string `toml:"ffmpeg_binary"`
}

// Config holds everything needed for one acquisition run.
type Config struct {
	Path         string  `toml:"path"`
	Name         string  `toml:"name"`
	URL          string  `toml:"url"`
	SubtitlesURL string  `toml:"subtitles_url"`
	DelaySeconds float64 `toml:"delay_seconds"`
	Verbosity    int     `toml:"verbosity"`
	Mode         string  `toml:"mode"`
	StartAtZero  bool    `toml:"start_at_fragment_zero"`
	Overwrite    bool    `toml:"overwrite"`
	Extension    string  `toml:"extension"`
	StatusAddr   string  `toml:"status_addr"`

	Pacing Pacing `toml:"pacing"`
	HTTP   HTTP   `toml:"http"`
	Tools  Tools  `toml:"tools"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Path:      ".",
		Verbosity: 2,
		Mode:      ModeStreaming,
		Extension: "ts",
		Pacing: Pacing{
			TargetBufferSeconds:    120,
			PollIntervalSeconds:    1,
			JitterStdDevSeconds:    0.5,
			ProbeRetries:           2,
			NominalFragmentSeconds: 10,
		},
		HTTP: HTTP{
			TimeoutSeconds:      30,
			RetryMax:            2,
			RetryWaitMinSeconds: 0.5,
			RetryWaitMaxSeconds: 5,
		},
		Tools: Tools{
			Prober:        ProberMPlayer,
			MPlayerBinary: "mplayer",
			FFprobeBinary: "ffprobe",
			FFmpegBinary:  "ffmpeg",
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error;
// the returned bool reports whether the file existed. The result is not
// validated so that command-line overrides can be applied first.
func Load(path string) (*Config, bool, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return &cfg, false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &cfg, false, nil
		}
		return nil, false, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, true, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &cfg, true, nil
}

// Validate checks the configuration for values the run cannot work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", c.Name)
	}
	if c.Mode != ModeImmediate && c.Mode != ModeStreaming {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeImmediate, ModeStreaming, c.Mode)
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		return fmt.Errorf("verbosity must be between 0 and 5, got %d", c.Verbosity)
	}
	if c.DelaySeconds < 0 {
		return fmt.Errorf("delay must not be negative, got %v", c.DelaySeconds)
	}
	if strings.TrimSpace(c.Extension) == "" || strings.ContainsAny(c.Extension, `/\.`) {
		return fmt.Errorf("extension %q must be a bare suffix such as ts", c.Extension)
	}

	if c.Pacing.TargetBufferSeconds <= 0 {
		return fmt.Errorf("pacing.target_buffer_seconds must be positive")
	}
	if c.Pacing.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pacing.poll_interval_seconds must be positive")
	}
	if c.Pacing.JitterStdDevSeconds < 0 {
		return fmt.Errorf("pacing.jitter_stddev_seconds must not be negative")
	}
	if c.Pacing.ProbeRetries < 0 {
		return fmt.Errorf("pacing.probe_retries must not be negative")
	}
	if c.Pacing.NominalFragmentSeconds <= 0 {
		return fmt.Errorf("pacing.nominal_fragment_seconds must be positive")
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}
	if c.HTTP.RetryMax < 0 {
		return fmt.Errorf("http.retry_max must not be negative")
	}
	if c.HTTP.RetryWaitMaxSeconds < c.HTTP.RetryWaitMinSeconds {
		return fmt.Errorf("http.retry_wait_max_seconds must not be below retry_wait_min_seconds")
	}

	if c.Mode == ModeStreaming && c.Tools.Prober != ProberMPlayer && c.Tools.Prober != ProberFFprobe {
		return fmt.Errorf("tools.prober must be %q or %q, got %q", ProberMPlayer, ProberFFprobe, c.Tools.Prober)
	}
	return nil
}

// Root is the directory holding everything this run writes.
func (c *Config) Root() string {
	return filepath.Join(c.Path, c.Name)
}

// Delay is the wait before the first request.
func (c *Config) Delay() time.Duration {
	return seconds(c.DelaySeconds)
}

// TargetBuffer returns the pacing target as a duration.
func (p Pacing) TargetBuffer() time.Duration {
	return seconds(p.TargetBufferSeconds)
}

// PollInterval returns the pacing poll interval as a duration.
func (p Pacing) PollInterval() time.Duration {
	return seconds(p.PollIntervalSeconds)
}

// JitterStdDev returns the jitter deviation as a duration.
func (p Pacing) JitterStdDev() time.Duration {
	return seconds(p.JitterStdDevSeconds)
}

// Timeout returns the per-request timeout.
func (h HTTP) Timeout() time.Duration {
	return seconds(h.TimeoutSeconds)
}

// RetryWaitMin returns the minimum backoff between retries.
func (h HTTP) RetryWaitMin() time.Duration {
	return seconds(h.RetryWaitMinSeconds)
}

// RetryWaitMax returns the maximum backoff between retries.
func (h HTTP) RetryWaitMax() time.Duration {
	return seconds(h.RetryWaitMaxSeconds)
}

// ProberBinary returns the executable for the selected prober.
func (t Tools) ProberBinary() string {
	if t.Prober == ProberFFprobe {
		return t.FFprobeBinary
	}
	return t.MPlayerBinary
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
