package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SubtitlesOutput is the converted subtitle file name in the destination root.
const SubtitlesOutput = "subs.srt"

// Converter turns a subtitle file into another format, chosen by the
// destination extension.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// FFmpeg converts subtitles with `ffmpeg -i src dst`.
type FFmpeg struct {
	binary string
	logger *slog.Logger
}

// NewFFmpeg creates an ffmpeg-backed converter.
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, logger: logger}
}

// Convert runs ffmpeg, overwriting dst.
func (f *FFmpeg) Convert(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.binary, "-hide_banner", "-loglevel", "error", "-y", "-i", src, dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	f.logger.Debug("converted subtitles", "src", src, "dst", dst)
	return nil
}

// ConvertSubtitles converts the stored subtitle payload to SRT next to the
// video. It returns an empty path when the run has no subtitles.
func (a *Assembler) ConvertSubtitles(ctx context.Context, conv Converter) (string, error) {
	src := a.src.SubtitlesPath()
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat subtitles: %w", err)
	}

	dst := filepath.Join(a.src.Root(), SubtitlesOutput)
	if err := conv.Convert(ctx, src, dst); err != nil {
		return "", fmt.Errorf("convert subtitles: %w", err)
	}
	a.logger.Info("converted subtitles", "path", dst)
	return dst, nil
}
